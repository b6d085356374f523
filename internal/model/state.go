package model

// NoWatchState is the persisted list of objects whose live enforcement was
// switched off at runtime.
type NoWatchState struct {
	SchemaVersion int      `yaml:"schema_version"`
	FileType      string   `yaml:"file_type"`
	Objects       []string `yaml:"objects"`
	UpdatedAt     string   `yaml:"updated_at,omitempty"`
}

const (
	NoWatchSchemaVersion = 1
	NoWatchFileType      = "state_nowatch"
)
