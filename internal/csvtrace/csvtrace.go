// Copyright (C) 2017-2021  Nexedi SA and Contributors.
//                          Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.

// Package csvtrace ingests rti.csv trace files produced by an instrumented
// federate/RTI run into TraceRecord values. The column set and names are
// fixed and small, so this uses encoding/csv directly rather than pulling in
// a struct-tag-driven CSV library: there is no ecosystem CSV mapper in the
// example pack's dependency surface to ground one on.
package csvtrace

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// TraceRecord is one row of an rti.csv trace file.
type TraceRecord struct {
	Event               string
	Reactor             string
	Source              int32
	Destination         int32
	ElapsedLogicalTime  int64
	Microstep           int64
	ElapsedPhysicalTime int64
	Trigger             string
	ExtraDelay          int64
}

var columns = []string{
	"Event", "Reactor", "Source", "Destination",
	"Elapsed Logical Time", "Microstep", "Elapsed Physical Time",
	"Trigger", "Extra Delay",
}

// ReadAll parses every record out of an rti.csv-formatted reader. The first
// row must be the column header; order is irrelevant so long as every
// expected column is present.
func ReadAll(r io.Reader) ([]TraceRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, errors.Wrap(err, "csvtrace: read header")
	}
	colIdx := make(map[string]int, len(header))
	for i, name := range header {
		colIdx[name] = i
	}
	for _, want := range columns {
		if _, ok := colIdx[want]; !ok {
			return nil, errors.Errorf("csvtrace: missing column %q", want)
		}
	}

	var out []TraceRecord
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "csvtrace: read row")
		}

		tr, err := parseRow(row, colIdx)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, nil
}

func parseRow(row []string, colIdx map[string]int) (TraceRecord, error) {
	field := func(name string) string { return row[colIdx[name]] }
	parseInt := func(name string) (int64, error) {
		v, err := strconv.ParseInt(field(name), 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "csvtrace: column %q", name)
		}
		return v, nil
	}

	source, err := parseInt("Source")
	if err != nil {
		return TraceRecord{}, err
	}
	destination, err := parseInt("Destination")
	if err != nil {
		return TraceRecord{}, err
	}
	elt, err := parseInt("Elapsed Logical Time")
	if err != nil {
		return TraceRecord{}, err
	}
	microstep, err := parseInt("Microstep")
	if err != nil {
		return TraceRecord{}, err
	}
	ept, err := parseInt("Elapsed Physical Time")
	if err != nil {
		return TraceRecord{}, err
	}
	extraDelay, err := parseInt("Extra Delay")
	if err != nil {
		return TraceRecord{}, err
	}

	return TraceRecord{
		Event:               field("Event"),
		Reactor:             field("Reactor"),
		Source:              int32(source),
		Destination:         int32(destination),
		ElapsedLogicalTime:  elt,
		Microstep:           microstep,
		ElapsedPhysicalTime: ept,
		Trigger:             field("Trigger"),
		ExtraDelay:          extraDelay,
	}, nil
}
