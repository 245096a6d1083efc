/*************************************************************************
 * Copyright 2026 AO Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package version reports the driver's build identity and the
// audit-record wire protocol version it speaks (spec §6's `AO_V1_*`
// namespace — a protocol break bumps WireVersion, not just the build).
package version

import (
	"fmt"
	"io"
	"time"
)

const (
	MajorVersion int = 1
	MinorVersion int = 0
	PointVersion int = 0

	// WireVersion is the SOA/PA/EOA/ACK alphabet version this build
	// speaks (spec §6); it is independent of the build's own version.
	WireVersion int = 1
)

var BuildDate time.Time = time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

func PrintVersion(wtr io.Writer) {
	fmt.Fprintf(wtr, "Version:\t%d.%d.%d\n", MajorVersion, MinorVersion, PointVersion)
	fmt.Fprintf(wtr, "WireVersion:\t%d\n", WireVersion)
	fmt.Fprintf(wtr, "BuildDate:\t%s\n", BuildDate.Format(`2006-01-02 15:04:05`))
}
