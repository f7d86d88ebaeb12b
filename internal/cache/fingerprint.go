package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FingerprintInput is the identity tuple that determines whether two
// requests are cache-equivalent. Two requests with the same fingerprint are
// expected to produce the same response and may share a cache entry.
type FingerprintInput struct {
	Provider     string
	Model        string
	SystemPrompt string
	Messages     []FingerprintMessage
	Temperature  float64
	TopP         float64
	MaxTokens    int
	Functions    []string
}

// FingerprintMessage is the subset of a chat message that participates in
// the cache key — metadata and function_call results are excluded since they
// don't affect what the provider would return for the same prompt.
type FingerprintMessage struct {
	Role    string
	Content string
}

// Fingerprint hashes the identity tuple with SHA-256 and returns the hex
// digest — everything that could change the response goes into the hash,
// nothing else does.
func Fingerprint(in FingerprintInput) string {
	var b strings.Builder
	b.WriteString(in.Provider)
	b.WriteByte('|')
	b.WriteString(in.Model)
	b.WriteByte('|')
	b.WriteString(in.SystemPrompt)
	b.WriteByte('|')
	b.WriteString(strconv.FormatFloat(in.Temperature, 'f', -1, 64))
	b.WriteByte('|')
	b.WriteString(strconv.FormatFloat(in.TopP, 'f', -1, 64))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(in.MaxTokens))
	b.WriteByte('|')

	funcs := append([]string(nil), in.Functions...)
	sort.Strings(funcs)
	b.WriteString(strings.Join(funcs, ","))
	b.WriteByte('|')

	for _, m := range in.Messages {
		b.WriteString(m.Role)
		b.WriteByte(':')
		b.WriteString(m.Content)
		b.WriteByte(';')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Key builds the full cache key from a fingerprint, namespacing it so
// unrelated callers can't collide even if they somehow produced the same hash.
func Key(fingerprint string) string {
	return fmt.Sprintf("aurorarelay:cache:%s", fingerprint)
}
