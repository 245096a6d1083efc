/*************************************************************************
 * Copyright 2026 AO Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Line prefixes, spec §6.
const (
	PrefixSOA           = "<S "
	PrefixSOASuppressed  = "<s "
	PrefixEOA           = "<E"
	PrefixVerbose       = "+"
	PrefixComment       = "#"
	PrefixCatastrophic  = "!"
)

// ACKs, spec §6.
const (
	AckOK      = "-OK-"
	AckAgg     = "-OK_AGG-"
	AckFailure = "-FAILURE-"
)

var ErrMalformedLine = errors.New("malformed wire protocol line")

// SOARecord is the wire form of a Start-Of-Audit line.
type SOARecord struct {
	PCCode  string
	Depth   int
	CmdID   int
	PCmdID  int
	Program string
	Cwd     string
	Argv    []string
	Start   Moment
}

// Suppressed marks the record for the lower-case `<s ...>` form, which asks
// the monitor not to attempt recycling for this command (spec §4.2).
func (s SOARecord) Encode(suppressed bool) (string, error) {
	body, err := EncodeRecord([]string{
		s.PCCode,
		strconv.Itoa(s.Depth),
		strconv.Itoa(s.CmdID),
		strconv.Itoa(s.PCmdID),
		s.Program,
		s.Cwd,
		QuoteArgv(s.Argv),
		s.Start.String(),
	})
	if err != nil {
		return "", err
	}
	prefix := PrefixSOA
	if suppressed {
		prefix = PrefixSOASuppressed
	}
	return prefix + body + ">", nil
}

func DecodeSOA(line string) (s SOARecord, suppressed bool, err error) {
	var body string
	switch {
	case strings.HasPrefix(line, PrefixSOA):
		body = strings.TrimPrefix(line, PrefixSOA)
	case strings.HasPrefix(line, PrefixSOASuppressed):
		body = strings.TrimPrefix(line, PrefixSOASuppressed)
		suppressed = true
	default:
		err = ErrMalformedLine
		return
	}
	body = strings.TrimSuffix(body, ">")
	fields, err := DecodeRecord(body)
	if err != nil {
		return
	}
	if len(fields) != 8 {
		err = fmt.Errorf("%w: SOA wants 8 fields, got %d", ErrMalformedLine, len(fields))
		return
	}
	s.PCCode = fields[0]
	if s.Depth, err = strconv.Atoi(fields[1]); err != nil {
		return
	}
	if s.CmdID, err = strconv.Atoi(fields[2]); err != nil {
		return
	}
	if s.PCmdID, err = strconv.Atoi(fields[3]); err != nil {
		return
	}
	s.Program = fields[4]
	s.Cwd = fields[5]
	s.Argv = SplitArgv(fields[6])
	s.Start, err = ParseMoment(fields[7])
	return
}

// PARecord is the wire form of a single Path-Access line.
type PARecord struct {
	OpTag        byte
	Depth        int
	CmdID        int
	PCCode       string
	Ops          string
	AbsPath      string
	RelPath      string
	Mode         uint32
	Size         int64
	PreDigest    Digest
	PostDigest   Digest
	FirstAccess  Moment
	LastAccess   Moment
	LinkPath     string
}

func (p PARecord) Encode() (string, error) {
	body, err := EncodeRecord([]string{
		strconv.Itoa(p.Depth),
		strconv.Itoa(p.CmdID),
		p.PCCode,
		p.Ops,
		p.AbsPath,
		p.RelPath,
		strconv.FormatUint(uint64(p.Mode), 8),
		strconv.FormatInt(p.Size, 10),
		string(p.PreDigest),
		string(p.PostDigest),
		p.FirstAccess.String(),
		p.LastAccess.String(),
		p.LinkPath,
	})
	if err != nil {
		return "", err
	}
	return string(p.OpTag) + body, nil
}

func DecodePA(line string) (p PARecord, err error) {
	if len(line) == 0 {
		err = ErrMalformedLine
		return
	}
	p.OpTag = line[0]
	fields, err := DecodeRecord(line[1:])
	if err != nil {
		return
	}
	if len(fields) != 13 {
		err = fmt.Errorf("%w: PA wants 13 fields, got %d", ErrMalformedLine, len(fields))
		return
	}
	if p.Depth, err = strconv.Atoi(fields[0]); err != nil {
		return
	}
	if p.CmdID, err = strconv.Atoi(fields[1]); err != nil {
		return
	}
	p.PCCode = fields[2]
	p.Ops = fields[3]
	p.AbsPath = fields[4]
	p.RelPath = fields[5]
	var mode uint64
	if mode, err = strconv.ParseUint(fields[6], 8, 32); err != nil {
		return
	}
	p.Mode = uint32(mode)
	if p.Size, err = strconv.ParseInt(fields[7], 10, 64); err != nil {
		return
	}
	p.PreDigest = Digest(fields[8])
	p.PostDigest = Digest(fields[9])
	if p.FirstAccess, err = ParseMoment(fields[10]); err != nil {
		return
	}
	if p.LastAccess, err = ParseMoment(fields[11]); err != nil {
		return
	}
	p.LinkPath = fields[12]
	return
}

// EOARecord is the wire form of an End-Of-Audit line; it carries the same
// identity fields as the SOA that opened the command, plus the exit code.
type EOARecord struct {
	SOARecord
	ExitCode int
}

func (e EOARecord) Encode() (string, error) {
	body, err := e.SOARecord.Encode(false)
	if err != nil {
		return "", err
	}
	body = strings.TrimPrefix(body, PrefixSOA)
	return fmt.Sprintf("%s[%d]%s", PrefixEOA, e.ExitCode, body), nil
}

func DecodeEOA(line string) (e EOARecord, err error) {
	if !strings.HasPrefix(line, PrefixEOA) {
		err = ErrMalformedLine
		return
	}
	rest := strings.TrimPrefix(line, PrefixEOA)
	close := strings.IndexByte(rest, ']')
	if !strings.HasPrefix(rest, "[") || close < 0 {
		err = ErrMalformedLine
		return
	}
	if e.ExitCode, err = strconv.Atoi(rest[1:close]); err != nil {
		return
	}
	e.SOARecord, _, err = DecodeSOA(PrefixSOA + rest[close+1:])
	return
}
