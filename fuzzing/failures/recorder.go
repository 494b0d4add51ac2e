package failures

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/crytic/ammfuzz/logging"
	"github.com/crytic/ammfuzz/logging/colors"
	"github.com/crytic/ammfuzz/utils"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	filePrefix = "fail_"
	fileSuffix = ".json"
)

// Recorder persists failures.
type Recorder interface {
	// Record writes a new record and returns it. The returned error reports a persistence failure; the caller still
	// treats the failure itself as having happened.
	Record(name string, params Params, info string, block uint64) (*Record, error)
}

// FileRecorder writes each record to its own file in a directory. Concurrent use is safe: file names carry a time
// ordered UUID and are written through a temporary file and a rename.
type FileRecorder struct {
	directory string
	logger    *logging.Logger
}

// NewFileRecorder creates a recorder writing to directory, which is created on first use.
func NewFileRecorder(directory string) *FileRecorder {
	return &FileRecorder{
		directory: directory,
		logger:    logging.GlobalLogger.NewSubLogger("module", logging.FAILURES_SERVICE),
	}
}

// Directory returns the destination directory.
func (r *FileRecorder) Directory() string {
	return r.directory
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// Record writes fail_<name>_<uuid>.json.
func (r *FileRecorder) Record(name string, params Params, info string, block uint64) (*Record, error) {
	if params == nil {
		params = Params{}
	}
	record := &Record{Name: name, Params: params, Info: info, Block: block}

	id, err := uuid.NewV7()
	if err != nil {
		return record, errors.Wrap(err, "could not generate a failure record id")
	}
	record.ID = id.String()
	fileName := fmt.Sprintf("%s%s_%s%s", filePrefix, unsafeNameChars.ReplaceAllString(name, "-"), record.ID, fileSuffix)
	record.Path = filepath.Join(r.directory, fileName)

	b, err := record.Marshal()
	if err != nil {
		return record, err
	}
	if err = utils.WriteFileAtomic(record.Path, b); err != nil {
		r.logger.Error("Failed to persist failure record ", colors.Bold, name, colors.Reset, err)
		return record, errors.Wrapf(err, "could not persist failure record %s", name)
	}
	r.logger.Info("Recorded failure ", colors.RedBold, name, colors.Reset, " at ", colors.Bold, record.Path)
	return record, nil
}

// List loads every record in directory, oldest first. A missing directory holds no records.
func List(directory string) ([]*Record, error) {
	paths, err := utils.ListFiles(directory, filePrefix, fileSuffix)
	if err != nil {
		return nil, err
	}
	records := make([]*Record, 0, len(paths))
	for _, path := range paths {
		record, err := Load(path)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	// Version 7 UUIDs sort by creation time.
	sort.SliceStable(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// discardRecorder drops records. Replays made while shrinking use it so that only the final trace is recorded.
type discardRecorder struct{}

func (discardRecorder) Record(name string, params Params, info string, block uint64) (*Record, error) {
	return &Record{Name: name, Params: params, Info: info, Block: block}, nil
}

// Discard is a Recorder that writes nothing.
var Discard Recorder = discardRecorder{}
