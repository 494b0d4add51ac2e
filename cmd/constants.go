package cmd

// DefaultProjectConfigFilename describes the default config filename for a given project folder.
const DefaultProjectConfigFilename = "ammfuzz.json"

// DefaultLogFilePrefix prefixes the structured log files written to the configured log directory.
const DefaultLogFilePrefix = "ammfuzz-"
