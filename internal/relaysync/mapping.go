package relaysync

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

type Coercion string

const (
	CoerceText   Coercion = "text"
	CoerceNumber Coercion = "number"
	CoerceBool   Coercion = "bool"
	CoerceTime   Coercion = "time"
	CoerceList   Coercion = "list"
)

// Workspace property types, following the Notion page property model.
const (
	PropTitle       = "title"
	PropRichText    = "rich_text"
	PropNumber      = "number"
	PropCheckbox    = "checkbox"
	PropSelect      = "select"
	PropStatus      = "status"
	PropMultiSelect = "multi_select"
	PropDate        = "date"
	PropURL         = "url"
	PropEmail       = "email"
	PropPhoneNumber = "phone_number"
	PropRelation    = "relation"
)

var workspacePropertyTypes = []string{
	PropTitle, PropRichText, PropNumber, PropCheckbox, PropSelect, PropStatus,
	PropMultiSelect, PropDate, PropURL, PropEmail, PropPhoneNumber, PropRelation,
}

type NativeField struct {
	Field string
	Type  string
}

type FieldRule struct {
	Canonical string
	Coercion  Coercion
	Native    map[StoreKind]NativeField
}

type EntityMapping struct {
	EntityType  string
	Collections map[StoreKind]string
	Fields      []FieldRule
}

// Mapper translates between canonical records and each store's native payload shape.
// It is built once from a mapping file and never mutated.
type Mapper struct {
	entities     map[string]*EntityMapping
	order        []string
	byCollection map[StoreKind]map[string]string
}

type mappingFile struct {
	Entities []entityFile `yaml:"entities" json:"entities"`
}

type entityFile struct {
	Name        string          `yaml:"name" json:"name"`
	Collections collectionsFile `yaml:"collections" json:"collections"`
	Fields      []fieldRuleFile `yaml:"fields" json:"fields"`
}

type collectionsFile struct {
	Relational string `yaml:"relational" json:"relational"`
	Workspace  string `yaml:"workspace" json:"workspace"`
	Graph      string `yaml:"graph" json:"graph"`
}

type nativeFieldFile struct {
	Field string `yaml:"field" json:"field"`
	Type  string `yaml:"type,omitempty" json:"type,omitempty"`
}

type fieldRuleFile struct {
	Canonical  string           `yaml:"canonical" json:"canonical"`
	Coercion   string           `yaml:"coercion" json:"coercion"`
	Relational *nativeFieldFile `yaml:"relational,omitempty" json:"relational,omitempty"`
	Workspace  *nativeFieldFile `yaml:"workspace,omitempty" json:"workspace,omitempty"`
	Graph      *nativeFieldFile `yaml:"graph,omitempty" json:"graph,omitempty"`
}

const mappingSchemaURL = "relaysync://mappings.schema.json"

const mappingSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["entities"],
  "properties": {
    "entities": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "collections", "fields"],
        "properties": {
          "name": {"type": "string", "pattern": "^[a-z][a-z0-9_]*$"},
          "collections": {
            "type": "object",
            "properties": {
              "relational": {"type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"},
              "workspace": {"type": "string", "minLength": 1},
              "graph": {"type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"}
            },
            "additionalProperties": false
          },
          "fields": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["canonical", "coercion"],
              "properties": {
                "canonical": {"type": "string", "minLength": 1},
                "coercion": {"enum": ["text", "number", "bool", "time", "list"]},
                "relational": {"$ref": "#/$defs/native"},
                "workspace": {"$ref": "#/$defs/native"},
                "graph": {"$ref": "#/$defs/native"}
              },
              "additionalProperties": false
            }
          }
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "native": {
      "type": "object",
      "required": ["field"],
      "properties": {
        "field": {"type": "string", "minLength": 1},
        "type": {"type": "string"}
      },
      "additionalProperties": false
    }
  }
}`

var mappingSchema = mustCompileSchema(mappingSchemaURL, mappingSchemaJSON)

// mustCompileSchema compiles an embedded JSON Schema document. It panics on failure since
// the documents are constants.
func mustCompileSchema(url, doc string) *jsonschema.Schema {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		panic(fmt.Sprintf("parse schema %s: %v", url, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, parsed); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", url, err))
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", url, err))
	}
	return schema
}

// validateAgainst checks a JSON document against a compiled schema.
func validateAgainst(schema *jsonschema.Schema, document []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(document))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func LoadMappingFile(path string) (*Mapper, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mappings %s: %w", path, err)
	}
	mapper, err := ParseMappings(data)
	if err != nil {
		return nil, fmt.Errorf("load mappings %s: %w", path, err)
	}
	return mapper, nil
}

// ParseMappings decodes a YAML mapping document, validates it against the mapping schema
// and compiles it into a Mapper.
func ParseMappings(data []byte) (*Mapper, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("%w: decode yaml: %v", ErrInvalidInput, err)
	}
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("%w: mapping document is not JSON compatible: %v", ErrInvalidInput, err)
	}
	if err := validateAgainst(mappingSchema, asJSON); err != nil {
		return nil, err
	}
	var file mappingFile
	if err := json.Unmarshal(asJSON, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return compileMappings(file)
}

func compileMappings(file mappingFile) (*Mapper, error) {
	mapper := &Mapper{
		entities:     map[string]*EntityMapping{},
		byCollection: map[StoreKind]map[string]string{},
	}
	for _, kind := range AllStoreKinds {
		mapper.byCollection[kind] = map[string]string{}
	}
	for _, entity := range file.Entities {
		if _, exists := mapper.entities[entity.Name]; exists {
			return nil, fmt.Errorf("%w: duplicate entity %q", ErrInvalidInput, entity.Name)
		}
		compiled := &EntityMapping{
			EntityType:  entity.Name,
			Collections: map[StoreKind]string{},
		}
		collections := map[StoreKind]string{
			StoreRelational: entity.Collections.Relational,
			StoreWorkspace:  normalizeCollection(StoreWorkspace, entity.Collections.Workspace),
			StoreGraph:      entity.Collections.Graph,
		}
		for kind, name := range collections {
			if name == "" {
				continue
			}
			if owner, taken := mapper.byCollection[kind][name]; taken {
				return nil, fmt.Errorf("%w: %s collection %q mapped by both %q and %q", ErrInvalidInput, kind, name, owner, entity.Name)
			}
			compiled.Collections[kind] = name
			mapper.byCollection[kind][name] = entity.Name
		}
		seen := map[string]struct{}{}
		for _, rule := range entity.Fields {
			if _, dup := seen[rule.Canonical]; dup {
				return nil, fmt.Errorf("%w: entity %q maps field %q twice", ErrInvalidInput, entity.Name, rule.Canonical)
			}
			seen[rule.Canonical] = struct{}{}
			compiledRule := FieldRule{
				Canonical: rule.Canonical,
				Coercion:  Coercion(rule.Coercion),
				Native:    map[StoreKind]NativeField{},
			}
			for kind, native := range map[StoreKind]*nativeFieldFile{
				StoreRelational: rule.Relational,
				StoreWorkspace:  rule.Workspace,
				StoreGraph:      rule.Graph,
			} {
				if native == nil {
					continue
				}
				field := NativeField{Field: native.Field, Type: native.Type}
				if kind == StoreWorkspace && field.Type == "" {
					field.Type = defaultWorkspaceType(compiledRule.Coercion)
				}
				compiledRule.Native[kind] = field
			}
			compiled.Fields = append(compiled.Fields, compiledRule)
		}
		mapper.entities[entity.Name] = compiled
		mapper.order = append(mapper.order, entity.Name)
	}
	return mapper, nil
}

func defaultWorkspaceType(coercion Coercion) string {
	switch coercion {
	case CoerceNumber:
		return PropNumber
	case CoerceBool:
		return PropCheckbox
	case CoerceTime:
		return PropDate
	case CoerceList:
		return PropMultiSelect
	default:
		return PropRichText
	}
}

// normalizeCollection makes workspace database ids comparable regardless of dashes.
func normalizeCollection(kind StoreKind, name string) string {
	name = strings.TrimSpace(name)
	if kind == StoreWorkspace {
		return strings.ToLower(strings.ReplaceAll(name, "-", ""))
	}
	return name
}

func (m *Mapper) EntityTypes() []string {
	return append([]string(nil), m.order...)
}

func (m *Mapper) Entity(entityType string) (*EntityMapping, error) {
	entity, ok := m.entities[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, entityType)
	}
	return entity, nil
}

func (m *Mapper) Collection(kind StoreKind, entityType string) (string, bool) {
	entity, ok := m.entities[entityType]
	if !ok {
		return "", false
	}
	name, ok := entity.Collections[kind]
	return name, ok
}

// EntityForCollection resolves a relational table, workspace parent or graph label to the
// entity type it carries.
func (m *Mapper) EntityForCollection(kind StoreKind, collection string) (string, bool) {
	entityType, ok := m.byCollection[kind][normalizeCollection(kind, collection)]
	return entityType, ok
}

// Translate renders a canonical record in the target store's native shape. Canonical
// fields the target does not map are dropped; mapped fields missing from the record are
// left out rather than written empty.
func (m *Mapper) Translate(record CanonicalRecord, target StoreKind) (NativePayload, error) {
	entity, err := m.Entity(record.EntityType)
	if err != nil {
		return nil, err
	}
	payload := NativePayload{}
	for _, rule := range entity.Fields {
		native, ok := rule.Native[target]
		if !ok {
			continue
		}
		value, present := record.Fields[rule.Canonical]
		if !present {
			continue
		}
		coerced, err := coerceCanonical(value, rule.Coercion)
		if err != nil {
			return nil, fmt.Errorf("translate %s.%s for %s: %w", record.EntityType, rule.Canonical, target, err)
		}
		encoded, err := encodeNative(coerced, rule.Coercion, target, native.Type)
		if err != nil {
			return nil, fmt.Errorf("translate %s.%s for %s: %w", record.EntityType, rule.Canonical, target, err)
		}
		payload[native.Field] = encoded
	}
	return payload, nil
}

// Normalize is the inverse of Translate. Unknown workspace property types fall back to
// plain text extraction.
func (m *Mapper) Normalize(payload NativePayload, source StoreKind, entityType string) (CanonicalRecord, error) {
	entity, err := m.Entity(entityType)
	if err != nil {
		return CanonicalRecord{}, err
	}
	record := CanonicalRecord{
		EntityType:  entityType,
		Fields:      map[string]any{},
		SourceStore: source,
	}
	for _, rule := range entity.Fields {
		native, ok := rule.Native[source]
		if !ok {
			continue
		}
		raw, present := payload[native.Field]
		if !present {
			continue
		}
		decoded, err := decodeNative(raw, rule.Coercion, source, native.Type)
		if err != nil {
			return CanonicalRecord{}, fmt.Errorf("normalize %s.%s from %s: %w", entityType, rule.Canonical, source, err)
		}
		record.Fields[rule.Canonical] = decoded
	}
	return record, nil
}

// Fingerprint hashes canonical fields in a stable order. Two records with equal
// fingerprints carry the same content.
func Fingerprint(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	hash := sha256.New()
	for _, key := range keys {
		hash.Write([]byte(key))
		hash.Write([]byte{0})
		hash.Write([]byte(fingerprintValue(fields[key])))
		hash.Write([]byte{0})
	}
	return hex.EncodeToString(hash.Sum(nil))
}

func fingerprintValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case time.Time:
		return "t:" + v.UTC().Format(time.RFC3339Nano)
	case float64:
		return "n:" + strconv.FormatFloat(v, 'g', -1, 64)
	case string:
		return "s:" + v
	case bool:
		return "b:" + strconv.FormatBool(v)
	case []string:
		return "l:" + strings.Join(v, "\x1f")
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return "j:" + string(encoded)
	}
}

// coerceCanonical brings a value into the canonical Go type for its coercion.
func coerceCanonical(value any, coercion Coercion) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch coercion {
	case CoerceNumber:
		return toNumber(value)
	case CoerceBool:
		return toBool(value)
	case CoerceTime:
		return toTime(value)
	case CoerceList:
		return toList(value)
	default:
		return toText(value), nil
	}
}

func toNumber(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidInput, v)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("%w: %T is not a number", ErrInvalidInput, value)
	}
}

func toBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("%w: %q is not a boolean", ErrInvalidInput, v)
		}
		return parsed, nil
	case float64:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case int:
		return v != 0, nil
	default:
		return false, fmt.Errorf("%w: %T is not a boolean", ErrInvalidInput, value)
	}
}

func toTime(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		trimmed := strings.TrimSpace(v)
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02"} {
			if parsed, err := time.Parse(layout, trimmed); err == nil {
				return parsed.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: %q is not a timestamp", ErrInvalidInput, v)
	case float64:
		sec, frac := math.Modf(v)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	case int64:
		return time.Unix(v, 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %T is not a timestamp", ErrInvalidInput, value)
	}
}

func toList(value any) ([]string, error) {
	switch v := value.(type) {
	case []string:
		return append([]string{}, v...), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if item == nil {
				continue
			}
			out = append(out, toText(item))
		}
		return out, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return []string{}, nil
		}
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			out = append(out, strings.TrimSpace(part))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T is not a list", ErrInvalidInput, value)
	}
}

func toText(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case []string:
		return strings.Join(v, ", ")
	case []any, map[string]any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func encodeNative(value any, coercion Coercion, target StoreKind, nativeType string) (any, error) {
	if target == StoreWorkspace {
		return encodeWorkspaceProperty(value, nativeType), nil
	}
	if value == nil {
		return nil, nil
	}
	switch coercion {
	case CoerceTime:
		ts := value.(time.Time)
		if target == StoreGraph {
			return ts, nil
		}
		return ts.Format(time.RFC3339Nano), nil
	case CoerceList:
		list := value.([]string)
		if target == StoreGraph {
			return list, nil
		}
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = item
		}
		return out, nil
	default:
		return value, nil
	}
}

func decodeNative(raw any, coercion Coercion, source StoreKind, nativeType string) (any, error) {
	if source == StoreWorkspace {
		value, err := decodeWorkspaceProperty(raw, nativeType)
		if err != nil {
			return nil, err
		}
		return coerceCanonical(value, coercion)
	}
	return coerceCanonical(raw, coercion)
}

func richText(content string) []any {
	return []any{map[string]any{"type": "text", "text": map[string]any{"content": content}}}
}

func encodeWorkspaceProperty(value any, nativeType string) map[string]any {
	switch nativeType {
	case PropTitle, PropRichText:
		if value == nil {
			return map[string]any{nativeType: []any{}}
		}
		return map[string]any{nativeType: richText(toText(value))}
	case PropNumber:
		return map[string]any{PropNumber: value}
	case PropCheckbox:
		if value == nil {
			value = false
		}
		return map[string]any{PropCheckbox: value}
	case PropSelect, PropStatus:
		if value == nil {
			return map[string]any{nativeType: nil}
		}
		return map[string]any{nativeType: map[string]any{"name": toText(value)}}
	case PropMultiSelect, PropRelation:
		key := "name"
		if nativeType == PropRelation {
			key = "id"
		}
		items := []any{}
		if list, ok := value.([]string); ok {
			for _, item := range list {
				items = append(items, map[string]any{key: item})
			}
		} else if value != nil {
			items = append(items, map[string]any{key: toText(value)})
		}
		return map[string]any{nativeType: items}
	case PropDate:
		if value == nil {
			return map[string]any{PropDate: nil}
		}
		start := toText(value)
		if ts, ok := value.(time.Time); ok {
			start = ts.UTC().Format(time.RFC3339Nano)
		}
		return map[string]any{PropDate: map[string]any{"start": start}}
	case PropURL, PropEmail, PropPhoneNumber:
		if value == nil {
			return map[string]any{nativeType: nil}
		}
		return map[string]any{nativeType: toText(value)}
	default:
		if value == nil {
			return map[string]any{PropRichText: []any{}}
		}
		return map[string]any{PropRichText: richText(toText(value))}
	}
}

// WorkspacePropertyValue extracts the plain value of a Notion property object, as used
// when comparing stored and desired page properties.
func WorkspacePropertyValue(raw any) any {
	value, err := decodeWorkspaceProperty(raw, "")
	if err != nil {
		return nil
	}
	return value
}

// decodeWorkspaceProperty extracts a plain value from a Notion property object. The
// object's own "type" wins over the mapped type so schema drift degrades to text.
func decodeWorkspaceProperty(raw any, mappedType string) (any, error) {
	prop, ok := raw.(map[string]any)
	if !ok {
		return raw, nil
	}
	propType, _ := prop["type"].(string)
	if propType == "" {
		propType = mappedType
		if _, has := prop[propType]; !has {
			propType = ""
			for _, candidate := range workspacePropertyTypes {
				if _, has := prop[candidate]; has {
					propType = candidate
					break
				}
			}
		}
	}
	inner := prop[propType]
	switch propType {
	case PropTitle, PropRichText:
		items, _ := inner.([]any)
		if len(items) == 0 {
			return nil, nil
		}
		return plainText(items), nil
	case PropNumber, PropCheckbox, PropURL, PropEmail, PropPhoneNumber:
		return inner, nil
	case PropSelect, PropStatus:
		option, _ := inner.(map[string]any)
		if option == nil {
			return nil, nil
		}
		return option["name"], nil
	case PropMultiSelect, PropRelation:
		key := "name"
		if propType == PropRelation {
			key = "id"
		}
		items, _ := inner.([]any)
		out := make([]any, 0, len(items))
		for _, item := range items {
			if entry, ok := item.(map[string]any); ok {
				out = append(out, entry[key])
			}
		}
		return out, nil
	case PropDate:
		date, _ := inner.(map[string]any)
		if date == nil {
			return nil, nil
		}
		return date["start"], nil
	default:
		return genericText(inner), nil
	}
}

func plainText(items []any) string {
	var b strings.Builder
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := entry["plain_text"].(string); ok {
			b.WriteString(text)
			continue
		}
		if text, ok := entry["text"].(map[string]any); ok {
			content, _ := text["content"].(string)
			b.WriteString(content)
		}
	}
	return b.String()
}

func genericText(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case []any:
		if text := plainText(v); text != "" {
			return text
		}
		return toText(v)
	case map[string]any:
		for _, key := range []string{"name", "plain_text", "string", "start"} {
			if s, ok := v[key].(string); ok {
				return s
			}
		}
		return toText(v)
	default:
		return toText(v)
	}
}
