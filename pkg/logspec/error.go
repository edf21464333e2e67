package logspec

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Error is the common shape every extracted structured error shares:
// a classification string, a one-line summary, and the raw report text
// the extractor matched against. Concrete extractors (KbuildCompilerError,
// KernelBug, TestError, ...) embed it and add their own fields.
type Error struct {
	ErrorType    string `json:"error_type"`
	ErrorSummary string `json:"error_summary"`
	Report       string `json:"-"`

	// signatureFields lists the extra field names (beyond ErrorType and
	// ErrorSummary) that feed the dedup signature; set by each concrete
	// extractor as it narrows down what makes an instance unique.
	signatureFields []string
	signatureValues map[string]string
	signature       string
}

// AddSignatureField records an extra field, by name and value, to fold
// into this error's dedup signature. Fields with an empty value are
// skipped when the signature is generated, mirroring the source
// parser's "only include truthy fields" rule.
func (e *Error) AddSignatureField(name, value string) {
	if e.signatureValues == nil {
		e.signatureValues = make(map[string]string)
	}
	e.signatureFields = append(e.signatureFields, name)
	e.signatureValues[name] = value
}

// GenerateSignature computes the SHA-1 hex digest of the canonical
// (sorted-key) JSON encoding of error_type, error_summary and every
// non-empty field registered via AddSignatureField. Two errors with the
// same signature are considered duplicates.
func (e *Error) GenerateSignature() {
	fields := map[string]string{}
	if e.ErrorType != "" {
		fields["error_type"] = e.ErrorType
	}
	if e.ErrorSummary != "" {
		fields["error_summary"] = e.ErrorSummary
	}
	for _, name := range e.signatureFields {
		if v := e.signatureValues[name]; v != "" {
			fields[name] = v
		}
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]struct {
		K string `json:"k"`
		V string `json:"v"`
	}, len(keys))
	for i, k := range keys {
		ordered[i].K = k
		ordered[i].V = fields[k]
	}
	canon, _ := json.Marshal(ordered)
	sum := sha1.Sum(canon)
	e.signature = hex.EncodeToString(sum[:])
}

// Signature returns the dedup signature computed by GenerateSignature.
func (e *Error) Signature() string {
	return e.signature
}

// yamlError is the YAML-serializable projection of an Error: its
// classification, summary, raw report text, dedup signature and the
// fields that fed it.
type yamlError struct {
	ErrorType    string            `yaml:"error_type"`
	ErrorSummary string            `yaml:"error_summary"`
	Report       string            `yaml:"report,omitempty"`
	Signature    string            `yaml:"signature"`
	Fields       map[string]string `yaml:"fields,omitempty"`
}

// MarshalYAML renders e as its classification, summary, report, dedup
// signature and signature-field values, for embedding in a parsed-log
// YAML artifact.
func (e *Error) MarshalYAML() (interface{}, error) {
	return yamlError{
		ErrorType:    e.ErrorType,
		ErrorSummary: e.ErrorSummary,
		Report:       e.Report,
		Signature:    e.signature,
		Fields:       e.signatureValues,
	}, nil
}
