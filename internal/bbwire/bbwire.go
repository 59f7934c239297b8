// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package bbwire implements the burst-buffer bookkeeping entity's wire
// serialization: pack_state packs the config/accounting entity as one
// blob, pack_bufs packs the allocation table, both little-endian with
// length-prefixed strings (uint32 length + bytes), matching the
// controller's own pack convention referenced by the spec this
// subsystem implements.
package bbwire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/jontk/agentd/internal/bbconfig"
	"github.com/jontk/agentd/internal/bbstate"
	"github.com/jontk/agentd/pkg/agenterrors"
)

// GresRecord is the wire shape shared by pack_state's GRES inventory
// and pack_bufs' per-allocation GRES usage.
type GresRecord struct {
	Name     string
	AvailCnt uint32
	UsedCnt  uint32
}

// BufRecord is one packed allocation record, as pack_bufs emits it.
type BufRecord struct {
	ArrayJobID  uint32
	ArrayTaskID uint32
	Gres        []GresRecord
	JobID       uint32
	Name        string
	Size        uint32
	State       uint16
	StateTime   int64
	UserID      uint32
}

func writeString(buf *bytes.Buffer, s string) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return "", err
	}
	return string(out), nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeI64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func writeGres(buf *bytes.Buffer, gres []GresRecord) {
	writeU32(buf, uint32(len(gres)))
	for _, g := range gres {
		writeString(buf, g.Name)
		writeU32(buf, g.AvailCnt)
		writeU32(buf, g.UsedCnt)
	}
}

func readGres(r *bytes.Reader) ([]GresRecord, error) {
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	gres := make([]GresRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		var avail, used uint32
		if err := binary.Read(r, binary.LittleEndian, &avail); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &used); err != nil {
			return nil, err
		}
		gres = append(gres, GresRecord{Name: name, AvailCnt: avail, UsedCnt: used})
	}
	return gres, nil
}

// PackState serializes cfg and state's accounting fields in the exact
// field order the controller's pack_state expects: the three
// length-prefixed strings, granularity, the GRES table, private_data
// as a u16 boolean, the four stage script paths, and finally the
// eight remaining u32 counters.
func PackState(cfg *bbconfig.Config, state *bbstate.State) []byte {
	var buf bytes.Buffer

	writeString(&buf, cfg.AllowUsersStr)
	writeString(&buf, cfg.DenyUsersStr)
	writeString(&buf, cfg.GetSysState)

	writeU32(&buf, cfg.Granularity)

	gres := make([]GresRecord, len(cfg.Gres))
	for i, g := range cfg.Gres {
		gres[i] = GresRecord{Name: g.Name, AvailCnt: g.AvailCnt, UsedCnt: g.UsedCnt}
	}
	writeGres(&buf, gres)

	privateData := uint16(0)
	if cfg.PrivateData {
		privateData = 1
	}
	writeU16(&buf, privateData)

	writeString(&buf, cfg.StartStageIn)
	writeString(&buf, cfg.StartStageOut)
	writeString(&buf, cfg.StopStageIn)
	writeString(&buf, cfg.StopStageOut)

	writeU32(&buf, cfg.JobSizeLimit)
	writeU32(&buf, cfg.PrioBoostAlloc)
	writeU32(&buf, cfg.PrioBoostUse)
	writeU32(&buf, cfg.StageInTimeout)
	writeU32(&buf, cfg.StageOutTimeout)
	writeU32(&buf, state.TotalSpace)
	writeU32(&buf, state.UsedSpace)
	writeU32(&buf, cfg.UserSizeLimit)

	return buf.Bytes()
}

// UnpackState is the inverse of PackState; it returns a freshly built
// cfg and state decoded from data. Gres entries round-trip with both
// AvailCnt and UsedCnt as PackState wrote them.
func UnpackState(data []byte) (*bbconfig.Config, *bbstate.State, error) {
	r := bytes.NewReader(data)
	cfg := bbconfig.NewDefault()
	state := bbstate.NewState()

	var err error
	if cfg.AllowUsersStr, err = readString(r); err != nil {
		return nil, nil, wireErr("allow_users_str", err)
	}
	if cfg.DenyUsersStr, err = readString(r); err != nil {
		return nil, nil, wireErr("deny_users_str", err)
	}
	if cfg.GetSysState, err = readString(r); err != nil {
		return nil, nil, wireErr("get_sys_state", err)
	}

	if err := binary.Read(r, binary.LittleEndian, &cfg.Granularity); err != nil {
		return nil, nil, wireErr("granularity", err)
	}

	gres, err := readGres(r)
	if err != nil {
		return nil, nil, wireErr("gres table", err)
	}
	cfg.Gres = make([]bbconfig.GresConfig, len(gres))
	for i, g := range gres {
		cfg.Gres[i] = bbconfig.GresConfig{Name: g.Name, AvailCnt: g.AvailCnt, UsedCnt: g.UsedCnt}
	}

	var privateData uint16
	if err := binary.Read(r, binary.LittleEndian, &privateData); err != nil {
		return nil, nil, wireErr("private_data", err)
	}
	cfg.PrivateData = privateData != 0

	if cfg.StartStageIn, err = readString(r); err != nil {
		return nil, nil, wireErr("start_stage_in", err)
	}
	if cfg.StartStageOut, err = readString(r); err != nil {
		return nil, nil, wireErr("start_stage_out", err)
	}
	if cfg.StopStageIn, err = readString(r); err != nil {
		return nil, nil, wireErr("stop_stage_in", err)
	}
	if cfg.StopStageOut, err = readString(r); err != nil {
		return nil, nil, wireErr("stop_stage_out", err)
	}

	if err := binary.Read(r, binary.LittleEndian, &cfg.JobSizeLimit); err != nil {
		return nil, nil, wireErr("job_size_limit", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &cfg.PrioBoostAlloc); err != nil {
		return nil, nil, wireErr("prio_boost_alloc", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &cfg.PrioBoostUse); err != nil {
		return nil, nil, wireErr("prio_boost_use", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &cfg.StageInTimeout); err != nil {
		return nil, nil, wireErr("stage_in_timeout", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &cfg.StageOutTimeout); err != nil {
		return nil, nil, wireErr("stage_out_timeout", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &state.TotalSpace); err != nil {
		return nil, nil, wireErr("total_space", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &state.UsedSpace); err != nil {
		return nil, nil, wireErr("used_space", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &cfg.UserSizeLimit); err != nil {
		return nil, nil, wireErr("user_size_limit", err)
	}

	return cfg, state, nil
}

// PackBufs serializes every allocation record across all of state's
// hash buckets. If requesterUID is non-zero, only records owned by
// that UID are included; UID 0 (operator) sees every record.
func PackBufs(state *bbstate.State, requesterUID uint32) []byte {
	var buf bytes.Buffer

	allocs := state.AllAllocs()
	var visible []*bbstate.Alloc
	for _, a := range allocs {
		if requesterUID == 0 || a.UserID == requesterUID {
			visible = append(visible, a)
		}
	}

	writeU32(&buf, uint32(len(visible)))
	for _, a := range visible {
		writeU32(&buf, a.ArrayJobID)
		writeU32(&buf, a.ArrayTaskID)

		gres := make([]GresRecord, len(a.Gres))
		for i, g := range a.Gres {
			gres[i] = GresRecord{Name: g.Name, AvailCnt: g.AvailCnt, UsedCnt: g.UsedCnt}
		}
		writeGres(&buf, gres)

		writeU32(&buf, a.JobID)
		writeString(&buf, a.Name)
		writeU32(&buf, a.Size)
		writeU16(&buf, uint16(a.State))
		writeI64(&buf, a.StateTime)
		writeU32(&buf, a.UserID)
	}

	return buf.Bytes()
}

// UnpackBufs is the inverse of PackBufs, returning the flat record list
// as packed (not re-inserted into a bbstate.State's hash buckets).
func UnpackBufs(data []byte) ([]BufRecord, error) {
	r := bytes.NewReader(data)

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, wireErr("record count", err)
	}

	records := make([]BufRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		var rec BufRecord

		if err := binary.Read(r, binary.LittleEndian, &rec.ArrayJobID); err != nil {
			return nil, wireErr("array_job_id", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &rec.ArrayTaskID); err != nil {
			return nil, wireErr("array_task_id", err)
		}

		gres, err := readGres(r)
		if err != nil {
			return nil, wireErr("gres table", err)
		}
		rec.Gres = gres

		if err := binary.Read(r, binary.LittleEndian, &rec.JobID); err != nil {
			return nil, wireErr("job_id", err)
		}
		if rec.Name, err = readString(r); err != nil {
			return nil, wireErr("name", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &rec.Size); err != nil {
			return nil, wireErr("size", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &rec.State); err != nil {
			return nil, wireErr("state", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &rec.StateTime); err != nil {
			return nil, wireErr("state_time", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &rec.UserID); err != nil {
			return nil, wireErr("user_id", err)
		}

		records = append(records, rec)
	}

	return records, nil
}

func wireErr(field string, cause error) error {
	return agenterrors.Wrap(agenterrors.CodeWireDecode, "decoding "+field, cause)
}
