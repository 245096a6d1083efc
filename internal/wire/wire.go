/*************************************************************************
 * Copyright 2026 AO Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package wire implements the shared utilities of the audit-record
// protocol: the Moment and Digest primitives, path canonicalization, and
// the CSV line codec used by SOA/PA/EOA records (spec §3, §6, §11).
package wire

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Moment is a calendar instant with nanosecond precision that round-trips
// through its textual form byte-for-byte, which the wire protocol and the
// pathcode hash both depend on.
type Moment time.Time

func Now() Moment { return Moment(time.Now().UTC()) }

func (m Moment) Time() time.Time { return time.Time(m) }

func (m Moment) String() string {
	return time.Time(m).UTC().Format(time.RFC3339Nano)
}

func (m Moment) Before(o Moment) bool {
	return time.Time(m).Before(time.Time(o))
}

func (m Moment) IsZero() bool {
	return time.Time(m).IsZero()
}

// A defined type does not inherit time.Time's encoding methods, so
// Moment delegates them; without these gob rejects it and JSON writes {}.
func (m Moment) GobEncode() ([]byte, error)    { return time.Time(m).GobEncode() }
func (m *Moment) GobDecode(b []byte) error     { return (*time.Time)(m).GobDecode(b) }
func (m Moment) MarshalJSON() ([]byte, error)  { return time.Time(m).MarshalJSON() }
func (m *Moment) UnmarshalJSON(b []byte) error { return (*time.Time)(m).UnmarshalJSON(b) }

func ParseMoment(s string) (Moment, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return Moment{}, err
	}
	return Moment(t), nil
}

// Digest is a content digest rendered as lowercase hex. The empty digest
// represents "not computed" / "path did not pre-exist".
type Digest string

func (d Digest) Empty() bool { return d == "" }

func DigestBytes(b []byte) Digest {
	sum := sha256.Sum256(b)
	return Digest(hex.EncodeToString(sum[:]))
}

func DigestReader(r io.Reader) (Digest, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return Digest(hex.EncodeToString(h.Sum(nil))), nil
}

// DigestFile streams a file's contents through the digest function without
// holding the whole thing in memory; it is what the collector calls on
// first-touch (pre-state) and at process exit (post-state).
func DigestFile(path string) (Digest, os.FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return "", nil, err
	}
	if fi.IsDir() {
		return "", fi, nil
	}
	d, err := DigestReader(f)
	if err != nil {
		return "", fi, err
	}
	return d, fi, nil
}

// DigestSorted hashes a sorted set of digests together with a stable
// separator; it is the core operation of pathcode computation (spec §3),
// and must be platform-independent so the same inputs always yield the
// same pathcode (spec §8 "Pathcode stability").
func DigestSorted(parts ...string) Digest {
	h := sha256.New()
	for _, p := range parts {
		io.WriteString(h, p)
		h.Write([]byte{0})
	}
	return Digest(hex.EncodeToString(h.Sum(nil)))
}

var ErrOutsideProjectRoot = errors.New("path escapes project root boundary")

// Canonicalize resolves p (which may be relative) against cwd into an
// absolute path, and additionally produces a path relative to base (the
// configured project root). If base is non-empty and the resolved path
// falls outside it, ErrOutsideProjectRoot is returned so the collector can
// treat the path-access-collector's "project root boundary" exclusion
// (spec §4.1).
func Canonicalize(cwd, base, p string) (abs, rel string, err error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(cwd, p)
	}
	abs = filepath.Clean(p)
	if base == "" {
		rel = abs
		return
	}
	rel, err = filepath.Rel(base, abs)
	if err != nil {
		return
	}
	if strings.HasPrefix(rel, "..") {
		err = ErrOutsideProjectRoot
	}
	return
}

// EncodeRecord renders fields as a single CSV line with no trailing
// newline, matching the "self-describing CSV line" wording of spec §4.1.
func EncodeRecord(fields []string) (string, error) {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	if err := w.Write(fields); err != nil {
		return "", err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return strings.TrimRight(sb.String(), "\r\n"), nil
}

func DecodeRecord(line string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.FieldsPerRecord = -1
	return r.Read()
}

// QuoteArgv joins an argv slice with shell-like quoting rules so that it
// survives being carried as a single CSV field and can be displayed to an
// operator without ambiguity.
func QuoteArgv(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		if strings.ContainsAny(a, " \t\"'\\") {
			parts[i] = `"` + strings.ReplaceAll(a, `"`, `\"`) + `"`
		} else {
			parts[i] = a
		}
	}
	return strings.Join(parts, " ")
}

// SplitArgv reverses QuoteArgv: unquoted runs split on space/tab, and a
// double-quoted run is taken verbatim as one argument with `\"` unescaped
// back to `"`. Used to decode the argv field of an SOA line; a plain
// strings.Fields would reunite a quoted argument containing spaces into
// several arguments and corrupt the recycling key derived from argv.
func SplitArgv(s string) []string {
	var out []string
	var cur strings.Builder
	inQuotes, hasToken := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuotes:
			if c == '\\' && i+1 < len(s) && s[i+1] == '"' {
				cur.WriteByte('"')
				i++
			} else if c == '"' {
				inQuotes = false
			} else {
				cur.WriteByte(c)
			}
		case c == '"':
			inQuotes = true
			hasToken = true
		case c == ' ' || c == '\t':
			if hasToken {
				out = append(out, cur.String())
				cur.Reset()
				hasToken = false
			}
		default:
			cur.WriteByte(c)
			hasToken = true
		}
	}
	if hasToken {
		out = append(out, cur.String())
	}
	return out
}
