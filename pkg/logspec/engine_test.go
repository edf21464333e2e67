package logspec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogAdvancesByMatchEnd(t *testing.T) {
	calls := 0
	first := &State{
		Name: "first",
		Function: func(text string) Data {
			calls++
			return Data{KeyMatchEnd: 5, KeyErrors: []*Error{}}
		},
	}
	second := &State{
		Name: "second",
		Function: func(text string) Data {
			calls++
			assert.Equal(t, "World", text)
			return Data{KeyMatchEnd: len(text), KeyErrors: []*Error{}}
		},
	}
	first.Transitions = []*Transition{
		{Name: "always", Function: func(Data) bool { return true }, State: second},
	}

	data := ParseLog("HelloWorld", first)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 10, data[KeyMatchEnd])
	assert.Empty(t, data.Errors())
}

func TestParseLogCollectsErrorsAcrossStates(t *testing.T) {
	boom := &Error{ErrorType: "test.boom", ErrorSummary: "boom"}
	boom.GenerateSignature()
	s := &State{
		Function: func(text string) Data {
			return Data{KeyMatchEnd: len(text), KeyErrors: []*Error{boom}}
		},
	}
	data := ParseLog("anything", s)
	require.Len(t, data.Errors(), 1)
	assert.Equal(t, "test.boom", data.Errors()[0].ErrorType)
}

func TestStateTransitionReturnsFirstMatch(t *testing.T) {
	target := &State{Name: "target"}
	s := &State{
		Transitions: []*Transition{
			{Function: func(Data) bool { return false }, State: &State{Name: "wrong"}},
			{Function: func(Data) bool { return true }, State: target},
		},
	}
	s.Run("")
	assert.Same(t, target, s.Transition())
}

func TestErrorSignatureIgnoresEmptyFields(t *testing.T) {
	e1 := &Error{ErrorType: "kbuild.compiler", ErrorSummary: "oops"}
	e1.AddSignatureField("location", "")
	e1.GenerateSignature()

	e2 := &Error{ErrorType: "kbuild.compiler", ErrorSummary: "oops"}
	e2.GenerateSignature()

	assert.Equal(t, e1.Signature(), e2.Signature())
}

func TestErrorSignatureDiffersOnExtraField(t *testing.T) {
	e1 := &Error{ErrorType: "kbuild.compiler", ErrorSummary: "oops"}
	e1.AddSignatureField("location", "foo.c:12")
	e1.GenerateSignature()

	e2 := &Error{ErrorType: "kbuild.compiler", ErrorSummary: "oops"}
	e2.AddSignatureField("location", "bar.c:34")
	e2.GenerateSignature()

	assert.NotEqual(t, e1.Signature(), e2.Signature())
}
