package trace

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// VerifyResult is the outcome of verifying a trace file.
type VerifyResult struct {
	EventCount int
	// Runs counts chains in the file. A run_start hashed against genesis
	// after a run_complete starts a new chain, as happens when a trace file
	// is reopened for append.
	Runs int
	// Complete is true when the last chain ends with run_complete.
	Complete       bool
	Valid          bool
	BrokenAt       int // -1 if no break
	SignatureOK    bool
	SignatureNoKey bool // signature present but no key to verify
	SigningKeyID   string
	ChainHash      string // of the last chain
	Error          string
}

// VerifyFile verifies the hash chain and optional signature of a trace file.
func VerifyFile(path string) (*VerifyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()
	return Verify(f)
}

// Verify checks the hash chain of every run in r, and the HMAC signature
// carried by each run_complete when SigningKeyEnv is set.
func Verify(r io.Reader) (*VerifyResult, error) {
	v := &verifier{
		res:  &VerifyResult{Valid: true, BrokenAt: -1, SignatureOK: true},
		key:  os.Getenv(SigningKeyEnv),
		prev: genesis,
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !v.add(line) {
			return v.res, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	if !v.signed {
		v.res.SignatureOK = false
	}
	return v.res, nil
}

type verifier struct {
	res    *VerifyResult
	key    string
	prev   string // hash of the last accepted line
	runID  string
	signed bool // at least one signature was checked
}

// add checks one line and reports whether verification should continue.
func (v *verifier) add(line []byte) bool {
	res := v.res
	res.EventCount++
	n := res.EventCount

	var evt Event
	if err := json.Unmarshal(line, &evt); err != nil {
		return v.broken(fmt.Sprintf("event %d: invalid JSON: %v", n, err))
	}

	restart := res.Complete && evt.Type == EventRunStart && evt.PrevHash == genesis
	switch {
	case n == 1 || restart:
		if evt.PrevHash != genesis {
			return v.broken(fmt.Sprintf("event %d: chain does not start at genesis", n))
		}
		res.Runs++
		v.runID = evt.RunID
	case evt.PrevHash != v.prev:
		return v.broken(fmt.Sprintf("event %d: prev_hash mismatch (expected %s, got %s)", n, short(v.prev), short(evt.PrevHash)))
	case evt.RunID != v.runID:
		return v.broken(fmt.Sprintf("event %d: run_id %q inside chain of %q", n, evt.RunID, v.runID))
	}

	res.Complete = false
	if evt.Type == EventRunComplete && evt.Data != nil {
		if !v.complete(evt) {
			return false
		}
	}
	sum := sha256.Sum256(line)
	v.prev = hex.EncodeToString(sum[:])
	return true
}

// complete checks the chain hash and signature carried by run_complete.
// Nested runs share the writer; any event after a nested run_complete
// reopens the chain.
func (v *verifier) complete(evt Event) bool {
	res := v.res
	chain, _ := evt.Data["chain_hash"].(string)
	if chain == "" {
		return true
	}
	if chain != evt.PrevHash {
		return v.broken(fmt.Sprintf("event %d: run_complete chain_hash does not match the preceding event", res.EventCount))
	}
	res.ChainHash = chain
	res.Complete = true

	sig, ok := evt.Data["signature"].(string)
	if !ok {
		return true
	}
	res.SigningKeyID, _ = evt.Data["signing_key_id"].(string)
	if v.key == "" {
		res.SignatureNoKey = true
		return true
	}
	v.signed = true
	if !hmac.Equal([]byte(sig), []byte(sign(v.key, chain))) {
		res.SignatureOK = false
	}
	return true
}

func (v *verifier) broken(msg string) bool {
	v.res.Valid = false
	v.res.BrokenAt = v.res.EventCount
	v.res.Error = msg
	v.res.SignatureOK = false
	return false
}

func short(h string) string {
	if len(h) > 16 {
		return h[:16] + "..."
	}
	return h
}
