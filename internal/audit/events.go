package audit

import "encoding/json"

// Event names recorded by the BLI and orchestrator. These are the "kind"
// field of every payload passed to Logger.Append in this repository; the
// Logger itself is payload-agnostic and does not reference them directly.
const (
	EventIdentify       = "identify"
	EventErasePage      = "erase_page"
	EventWriteRow       = "write_row"
	EventWriteMax       = "write_max"
	EventVerifyMismatch = "verify_mismatch"
	EventVerifyOK       = "verify_ok"
)

// identifyPayload records a completed identification cycle.
type identifyPayload struct {
	Kind         string `json:"kind"`
	Platform     string `json:"platform"`
	Version      string `json:"version"`
	RowLength    uint16 `json:"row_length"`
	PageLength   uint16 `json:"page_length"`
	ProgLength   uint16 `json:"prog_length"`
	MaxProgSize  uint16 `json:"max_prog_size"`
	AppStartAddr uint16 `json:"app_start_addr"`
}

// NewIdentifyPayload builds the JSON payload appended once identification
// completes (all seven profile fields populated).
func NewIdentifyPayload(platform, version string, rowLength, pageLength, progLength, maxProgSize, appStartAddr uint16) json.RawMessage {
	return mustMarshal(identifyPayload{
		Kind:         EventIdentify,
		Platform:     platform,
		Version:      version,
		RowLength:    rowLength,
		PageLength:   pageLength,
		ProgLength:   progLength,
		MaxProgSize:  maxProgSize,
		AppStartAddr: appStartAddr,
	})
}

// addressPayload records a single word-addressed command enqueue
// (erase_page, write_row, write_max).
type addressPayload struct {
	Kind      string `json:"kind"`
	WordAddr  uint32 `json:"word_addr"`
	WordCount int    `json:"word_count,omitempty"`
}

// NewErasePagePayload builds the payload for an erase_page enqueue.
func NewErasePagePayload(wordAddr uint32) json.RawMessage {
	return mustMarshal(addressPayload{Kind: EventErasePage, WordAddr: wordAddr})
}

// NewWriteRowPayload builds the payload for a write_row enqueue.
func NewWriteRowPayload(wordAddr uint32, wordCount int) json.RawMessage {
	return mustMarshal(addressPayload{Kind: EventWriteRow, WordAddr: wordAddr, WordCount: wordCount})
}

// NewWriteMaxPayload builds the payload for a write_max enqueue.
func NewWriteMaxPayload(wordAddr uint32, wordCount int) json.RawMessage {
	return mustMarshal(addressPayload{Kind: EventWriteMax, WordAddr: wordAddr, WordCount: wordCount})
}

// verifyPayload records the outcome of a verify pass.
type verifyPayload struct {
	Kind       string   `json:"kind"`
	Mismatches []uint32 `json:"mismatches,omitempty"`
}

// NewVerifyOKPayload builds the payload for a clean verify pass.
func NewVerifyOKPayload() json.RawMessage {
	return mustMarshal(verifyPayload{Kind: EventVerifyOK})
}

// NewVerifyMismatchPayload builds the payload for a verify pass that found
// mismatching word addresses.
func NewVerifyMismatchPayload(mismatches []uint32) json.RawMessage {
	return mustMarshal(verifyPayload{Kind: EventVerifyMismatch, Mismatches: mismatches})
}

// mustMarshal marshals v, panicking on failure. Every payload type in this
// file is built from plain structs of strings and fixed-width integers, so
// marshaling cannot fail.
func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
