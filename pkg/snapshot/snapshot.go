// Package snapshot encodes and decodes portable flow export snapshots.
package snapshot

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/dukex/flowtree/pkg/models"
)

// SupportedMajor is the only snapshot major version this build reads.
const SupportedMajor = "1"

var (
	// ErrVersionMismatch is returned for snapshots with a missing or unknown
	// major version.
	ErrVersionMismatch = errors.New("unsupported snapshot version")

	// ErrInvalidSnapshot is returned when a document fails to parse or does
	// not match the snapshot schema.
	ErrInvalidSnapshot = errors.New("invalid snapshot")
)

//go:embed schema.json
var schemaJSON []byte

var schema = mustSchema()

func mustSchema() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("snapshot schema: %v", err))
	}

	return s
}

// Format is a snapshot wire encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat maps a format name or media type to a Format. Empty means JSON.
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "json", "application/json":
		return FormatJSON, nil
	case "yaml", "yml", "application/yaml", "application/x-yaml", "text/yaml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown snapshot format %q", raw)
	}
}

// ContentType is the media type written for the format.
func (f Format) ContentType() string {
	if f == FormatYAML {
		return "application/yaml"
	}

	return "application/json"
}

// Extension is the file extension used for archived snapshots.
func (f Format) Extension() string {
	if f == FormatYAML {
		return ".yaml"
	}

	return ".json"
}

// CheckVersion rejects versions whose major component is not SupportedMajor.
func CheckVersion(version string) error {
	major, _, _ := strings.Cut(strings.TrimSpace(version), ".")
	if major != SupportedMajor {
		return fmt.Errorf("%w: %q", ErrVersionMismatch, version)
	}

	return nil
}

// Decode parses a JSON or YAML snapshot. The version is checked before the
// document is validated against the schema, so a future format is reported
// as a version mismatch rather than a schema error.
func Decode(data []byte) (*models.FlowExport, error) {
	doc, err := toJSON(data)
	if err != nil {
		return nil, err
	}

	version := gjson.GetBytes(doc, "version")
	if version.Type != gjson.String {
		return nil, fmt.Errorf("%w: missing version", ErrVersionMismatch)
	}

	if err := CheckVersion(version.String()); err != nil {
		return nil, err
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}

		return nil, fmt.Errorf("%w: %s", ErrInvalidSnapshot, strings.Join(details, "; "))
	}

	var export models.FlowExport
	if err := json.Unmarshal(doc, &export); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}

	return &export, nil
}

// Encode writes the snapshot in the requested format.
func Encode(export *models.FlowExport, format Format) ([]byte, error) {
	doc, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return nil, err
	}

	if format != FormatYAML {
		return doc, nil
	}

	// JSON is a YAML subset; decoding it into a node keeps field order.
	var node yaml.Node
	if err := yaml.Unmarshal(doc, &node); err != nil {
		return nil, err
	}

	blockStyle(&node)

	var buf bytes.Buffer

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)

	if err := enc.Encode(&node); err != nil {
		return nil, err
	}

	if err := enc.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func toJSON(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidSnapshot)
	}

	if json.Valid(trimmed) {
		return trimmed, nil
	}

	var doc any
	if err := yaml.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}

	return out, nil
}

func blockStyle(node *yaml.Node) {
	switch node.Kind {
	case yaml.MappingNode, yaml.SequenceNode:
		node.Style &^= yaml.FlowStyle
	case yaml.ScalarNode:
		node.Style &^= yaml.DoubleQuotedStyle
	}

	for _, child := range node.Content {
		blockStyle(child)
	}
}
