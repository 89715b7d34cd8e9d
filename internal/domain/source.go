package domain

import "time"

// SourceDescriptor identifies one remote data feed and the local table it lands in.
// Descriptors come from configuration and are read-only at runtime.
type SourceDescriptor struct {
	Name             string        `json:"name" mapstructure:"name"`
	DisplayName      string        `json:"displayName" mapstructure:"display_name"`
	MetadataEndpoint string        `json:"metadataEndpoint" mapstructure:"metadata_endpoint"`
	DataEndpoint     string        `json:"dataEndpoint" mapstructure:"data_endpoint"`
	TableName        string        `json:"tableName" mapstructure:"table_name"`
	IsRequired       bool          `json:"isRequired" mapstructure:"required"`
	MaxRetries       int           `json:"maxRetries" mapstructure:"max_retries"`
	Timeout          time.Duration `json:"timeout" mapstructure:"timeout"`
}

// Label returns the display name, falling back to the unique name.
func (s SourceDescriptor) Label() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.Name
}

// MetadataField is one remote field description from a metadata endpoint.
type MetadataField struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
}

// Record is one remote row keyed by column name. Values are scalars.
type Record map[string]any
