package services

import "strings"

// Sentinel pair delimiting the model's internal reasoning block. Text
// between the sentinels never reaches the caller.
const (
	reasoningOpen  = "<think>"
	reasoningClose = "</think>"
)

// ReasoningFilter strips a <think>...</think> span from a token stream in
// real time. It is a two-state machine (normal / suppressing) that holds
// back just enough trailing bytes to recognize a sentinel straddling
// fragment boundaries, so the emitted output is identical no matter how
// the stream is split. If the closing sentinel never arrives, everything
// after the opening one stays suppressed.
type ReasoningFilter struct {
	suppressing bool
	carry       string
}

// Feed consumes the next stream fragment and returns the bytes safe to
// emit now. Ordering of emitted vs suppressed spans is preserved.
func (f *ReasoningFilter) Feed(fragment string) string {
	f.carry += fragment

	var out strings.Builder
	for {
		if f.suppressing {
			idx := strings.Index(f.carry, reasoningClose)
			if idx < 0 {
				// Keep only a potential sentinel prefix; the rest is reasoning.
				f.carry = tail(f.carry, len(reasoningClose)-1)
				return out.String()
			}
			f.carry = f.carry[idx+len(reasoningClose):]
			f.suppressing = false
			continue
		}

		idx := strings.Index(f.carry, reasoningOpen)
		if idx < 0 {
			// Emit everything except a possible partial opening sentinel.
			hold := len(reasoningOpen) - 1
			if len(f.carry) > hold {
				out.WriteString(f.carry[:len(f.carry)-hold])
				f.carry = f.carry[len(f.carry)-hold:]
			}
			return out.String()
		}
		out.WriteString(f.carry[:idx])
		f.carry = f.carry[idx+len(reasoningOpen):]
		f.suppressing = true
	}
}

// Flush returns whatever withheld bytes are emittable once the stream
// ends. Nothing is flushed while suppressing: an unterminated reasoning
// block is dropped rather than leaked.
func (f *ReasoningFilter) Flush() string {
	if f.suppressing {
		f.carry = ""
		return ""
	}
	out := f.carry
	f.carry = ""
	return out
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
