package logspec

import "gopkg.in/yaml.v3"

// ParserDefsFile is the top-level shape of an externally supplied
// parser definitions document, letting operators add or override
// parser graphs without a code change.
type ParserDefsFile struct {
	Version string               `yaml:"version"`
	Parsers map[string]ParserDef `yaml:"parsers"`
}

// LoadParserDefsFile parses raw as a ParserDefsFile and checks its
// declared version against this package's Version.
func LoadParserDefsFile(raw []byte) (*ParserDefsFile, error) {
	var defs ParserDefsFile
	if err := yaml.Unmarshal(raw, &defs); err != nil {
		return nil, err
	}
	if defs.Version != "" {
		if err := CheckVersion(defs.Version); err != nil {
			return nil, err
		}
	}
	return &defs, nil
}

// BuildNamedParser looks up name in defs.Parsers and builds it against
// reg.
func BuildNamedParser(reg *Registry, defs *ParserDefsFile, name string) (*State, error) {
	def, ok := defs.Parsers[name]
	if !ok {
		return nil, &UnknownParserError{Name: name}
	}
	return BuildParser(reg, def)
}

// MarshalData renders a ParseLog result as YAML, mirroring
// _upload_lava_yaml's yaml.dump(log_data, f, default_flow_style=False).
func MarshalData(data Data) ([]byte, error) {
	return yaml.Marshal(map[string]any(data))
}
