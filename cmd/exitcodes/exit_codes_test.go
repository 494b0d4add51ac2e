package exitcodes

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestGetInnerErrorAndExitCode(t *testing.T) {
	err, code := GetInnerErrorAndExitCode(nil)
	assert.NoError(t, err)
	assert.Equal(t, ExitCodeSuccess, code)

	plain := errors.New("boom")
	err, code = GetInnerErrorAndExitCode(plain)
	assert.Equal(t, plain, err)
	assert.Equal(t, ExitCodeGeneralError, code)

	err, code = GetInnerErrorAndExitCode(errors.Wrap(NewErrorWithExitCode(plain, ExitCodeFailureFound), "campaign"))
	assert.Equal(t, plain, err)
	assert.Equal(t, ExitCodeFailureFound, code)

	err, code = GetInnerErrorAndExitCode(NewErrorWithExitCode(nil, ExitCodeFailureFound))
	assert.NoError(t, err)
	assert.Equal(t, ExitCodeFailureFound, code)
}
