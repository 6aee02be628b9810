package protocol

import (
	"fmt"
)

// Fixed channel numbers. Channel 0 pairs responses with queries in
// FIFO order; positive channels are server-push categories.
const (
	ChannelResponse     = 0
	ChannelStatusChange = 13
	ChannelGameFound    = 14
	ChannelGameEvent    = 15
	ChannelInvitation   = 16
)

// Module numbers addressed by client requests.
const (
	ModuleAuth     = 3
	ModulePresence = 4
	ModuleGame     = 5
)

// EncodeEnvelope encodes the (channel, body) pair carried by every
// frame payload.
func EncodeEnvelope(channel int64, body Value) ([]byte, error) {
	payload, err := EncodeValue([]Value{channel, body})
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return payload, nil
}

// DecodeEnvelope decodes a frame payload into its channel and body.
func DecodeEnvelope(payload []byte) (int64, Value, error) {
	v, err := DecodeValue(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("decoding envelope: %w", err)
	}
	pair, ok := v.([]Value)
	if !ok || len(pair) != 2 {
		return 0, nil, fmt.Errorf("decoding envelope: not a 2-element list")
	}
	channel, ok := pair[0].(int64)
	if !ok || channel < 0 {
		return 0, nil, fmt.Errorf("decoding envelope: bad channel")
	}
	return channel, pair[1], nil
}

// EncodeRequest encodes a client request body: (module, fields).
func EncodeRequest(module int64, fields Map) ([]byte, error) {
	return EncodeEnvelope(ChannelResponse, []Value{module, fields})
}

// DecodeRequest splits a channel-0 request body into module and fields.
func DecodeRequest(body Value) (int64, Map, error) {
	pair, ok := body.([]Value)
	if !ok || len(pair) != 2 {
		return 0, nil, fmt.Errorf("decoding request: not a 2-element list")
	}
	module, ok := pair[0].(int64)
	if !ok || module <= 0 {
		return 0, nil, fmt.Errorf("decoding request: bad module")
	}
	fields, ok := pair[1].(Map)
	if !ok {
		return 0, nil, fmt.Errorf("decoding request: fields not a map")
	}
	return module, fields, nil
}

// Response status values and error code tokens.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// OK builds a success response body with the given extra fields.
func OK(fields Map) Map {
	m := Map{"status": StatusOK}
	for k, v := range fields {
		m[k] = v
	}
	return m
}

// Errorf builds an error response body carrying a machine code token.
func Errorf(code string) Map {
	return Map{"status": StatusError, "code": code}
}

// GetString extracts a string field from a request map.
func GetString(fields Map, key string) (string, bool) {
	s, ok := fields[key].(string)
	return s, ok
}

// GetInt extracts an integer field from a request map.
func GetInt(fields Map, key string) (int64, bool) {
	n, ok := fields[key].(int64)
	return n, ok
}

// EncodeMatrix converts a column-major integer grid to its wire form,
// a map with width, height and a list of columns.
func EncodeMatrix(cells [][]int) Map {
	width := len(cells)
	height := 0
	if width > 0 {
		height = len(cells[0])
	}
	cols := make([]Value, width)
	for x := range cells {
		col := make([]Value, height)
		for y := range cells[x] {
			col[y] = int64(cells[x][y])
		}
		cols[x] = col
	}
	return Map{"width": int64(width), "height": int64(height), "cells": cols}
}

// DecodeMatrix converts the wire form back to a column-major grid.
func DecodeMatrix(v Value) ([][]int, error) {
	m, ok := v.(Map)
	if !ok {
		return nil, fmt.Errorf("decoding matrix: not a map")
	}
	width, ok := m["width"].(int64)
	if !ok || width < 0 {
		return nil, fmt.Errorf("decoding matrix: bad width")
	}
	height, ok := m["height"].(int64)
	if !ok || height < 0 {
		return nil, fmt.Errorf("decoding matrix: bad height")
	}
	cols, ok := m["cells"].([]Value)
	if !ok || int64(len(cols)) != width {
		return nil, fmt.Errorf("decoding matrix: bad column count")
	}
	cells := make([][]int, width)
	for x, cv := range cols {
		col, ok := cv.([]Value)
		if !ok || int64(len(col)) != height {
			return nil, fmt.Errorf("decoding matrix: bad column %d", x)
		}
		cells[x] = make([]int, height)
		for y, ev := range col {
			n, ok := ev.(int64)
			if !ok {
				return nil, fmt.Errorf("decoding matrix: cell (%d,%d) not an integer", x, y)
			}
			cells[x][y] = int(n)
		}
	}
	return cells, nil
}
