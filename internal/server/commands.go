package server

import (
	"context"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flonle/rdis/internal/config"
	"github.com/flonle/rdis/internal/resp"
	"github.com/flonle/rdis/internal/streams"
	"github.com/flonle/rdis/internal/trigger"
)

type handlerFunc func(s *Session, f resp.Frame)

var commandTable = map[string]handlerFunc{
	"PING":     doPing,
	"ECHO":     doEcho,
	"SET":      doSet,
	"GET":      doGet,
	"CONFIG":   doConfig,
	"KEYS":     doKeys,
	"INFO":     doInfo,
	"REPLCONF": doReplconf,
	"PSYNC":    doPsync,
	"WAIT":     doWait,
	"TYPE":     doType,
	"XADD":     doXAdd,
	"XRANGE":   doXRange,
	"XREAD":    doXRead,
}

func doPing(s *Session, f resp.Frame) {
	if s.db.Role() == config.RoleReplica {
		return
	}
	s.writeReply(resp.EncodeSimpleString("PONG"))
}

func doEcho(s *Session, f resp.Frame) {
	args := f.Command
	if len(args) < 2 {
		s.writeReply(resp.EncodeError("ERR", "wrong number of arguments for 'echo' command"))
		return
	}
	var e resp.Encoder
	e.WriteBulkString(args[1])
	s.writeReply(e.Buf)
}

func doSet(s *Session, f resp.Frame) {
	args := f.Command
	if len(args) < 3 {
		s.writeReply(resp.EncodeError("ERR", "wrong number of arguments for 'set' command"))
		return
	}
	key, value := args[1], args[2]

	var expiresAt int64
	if len(args) == 5 && strings.EqualFold(args[3], "PX") {
		px, err := strconv.ParseInt(args[4], 10, 64)
		if err != nil {
			s.writeReply(resp.EncodeError("ERR", "value is not an integer or out of range"))
			return
		}
		expiresAt = time.Now().UnixMilli() + px
	}

	s.db.Store.Set(key, value, expiresAt)

	if s.db.Role() == config.RoleMaster {
		s.db.Master.Propagate(f.Raw)
		s.writeReply(resp.EncodeSimpleString("OK"))
	}
}

func doGet(s *Session, f resp.Frame) {
	args := f.Command
	if len(args) < 2 {
		s.writeReply(resp.EncodeError("ERR", "wrong number of arguments for 'get' command"))
		return
	}
	var e resp.Encoder
	if v, ok := s.db.Store.Get(args[1]); ok {
		e.WriteBulkString(v)
	} else {
		e.WriteNullBulk()
	}
	s.writeReply(e.Buf)
}

func doConfig(s *Session, f resp.Frame) {
	args := f.Command
	if len(args) < 3 || !strings.EqualFold(args[1], "GET") {
		s.writeReply(resp.EncodeUnknownCommand(args))
		return
	}
	key := args[2]
	var value string
	switch strings.ToLower(key) {
	case "dir":
		value = s.db.Config.Dir
	case "dbfilename":
		value = s.db.Config.DBFilename
	}
	var e resp.Encoder
	e.WriteStringArray([]string{key, value})
	s.writeReply(e.Buf)
}

func doKeys(s *Session, f resp.Frame) {
	var e resp.Encoder
	e.WriteStringArray(s.db.Store.Keys())
	s.writeReply(e.Buf)
}

func doInfo(s *Session, f resp.Frame) {
	var b strings.Builder
	b.WriteString("# Replication\n")
	b.WriteString("role:" + string(s.db.Role()) + "\n")
	if s.db.Role() == config.RoleMaster {
		b.WriteString("master_replid:" + s.db.Master.ReplID + "\n")
		b.WriteString("master_repl_offset:" + strconv.FormatInt(s.db.Master.Offset(), 10) + "\n")
	}
	var e resp.Encoder
	e.WriteBulkString(b.String())
	s.writeReply(e.Buf)
}

func doReplconf(s *Session, f resp.Frame) {
	args := f.Command
	if len(args) < 2 {
		s.writeReply(resp.EncodeUnknownCommand(args))
		return
	}
	switch strings.ToUpper(args[1]) {
	case "LISTENING-PORT":
		if len(args) >= 3 {
			if port, err := strconv.Atoi(args[2]); err == nil {
				s.listeningPort = port
			}
		}
		s.writeReply(resp.EncodeSimpleString("OK"))

	case "CAPA":
		s.writeReply(resp.EncodeSimpleString("OK"))

	case "GETACK":
		if s.db.Role() == config.RoleReplica {
			var e resp.Encoder
			e.WriteStringArray([]string{"REPLCONF", "ACK", strconv.FormatInt(s.db.Replication.Offset(), 10)})
			s.writeRaw(e.Buf)
		}

	case "ACK":
		if s.db.Role() == config.RoleMaster && len(args) >= 3 {
			offset, err := strconv.ParseInt(args[2], 10, 64)
			if err == nil && s.replica != nil {
				s.db.Master.UpdateReplicaOffset(s.replica, offset)
			}
		}

	default:
		s.writeReply(resp.EncodeUnknownCommand(args))
	}
}

// emptyRDBBase64 is the canonical empty-database snapshot handed to a
// fresh replica: a FULLRESYNC here never carries real data, since state
// flows through the propagated command stream.
const emptyRDBBase64 = "UkVESVMwMDEx+glyZWRpcy12ZXIFNy4yLjD6CnJlZGlzLWJpdHPAQPoFY3RpbWXCbQi8ZfoIdXNlZC1tZW3CsMQQAPoIYW9mLWJhc2XAAP/wbjv+wP9aog=="

func doPsync(s *Session, f resp.Frame) {
	if s.db.Role() != config.RoleMaster {
		return
	}
	var e resp.Encoder
	e.WriteSimpleString("FULLRESYNC " + s.db.Master.ReplID + " " + strconv.FormatInt(s.db.Master.Offset(), 10))
	rdbBytes, err := base64.StdEncoding.DecodeString(emptyRDBBase64)
	if err != nil {
		s.db.Log.Error("decoding embedded rdb blob", zap.Error(err))
		return
	}
	e.WriteRDBBlob(rdbBytes)
	s.writeReply(e.Buf)

	// Register only once the snapshot is on the wire, so a propagation
	// racing this PSYNC cannot land ahead of the FULLRESYNC header.
	s.replica = s.db.Master.RegisterReplica(s.conn, s.writer, s.listeningPort)
}

func doWait(s *Session, f resp.Frame) {
	args := f.Command
	if s.db.Role() != config.RoleMaster {
		return
	}
	if len(args) < 3 {
		s.writeReply(resp.EncodeError("ERR", "wrong number of arguments for 'wait' command"))
		return
	}
	numReplicas, err1 := strconv.Atoi(args[1])
	timeoutMs, err2 := strconv.Atoi(args[2])
	if err1 != nil || err2 != nil {
		s.writeReply(resp.EncodeError("ERR", "value is not an integer or out of range"))
		return
	}

	masterOffset := s.db.Master.Offset()
	acked := s.db.Master.CountAcksByOffset(masterOffset)
	if acked >= numReplicas {
		var e resp.Encoder
		e.WriteInt(int64(acked))
		s.writeReply(e.Buf)
		return
	}

	wt := trigger.NewWaitTrigger(numReplicas, masterOffset)
	s.db.Master.RegisterWaitTrigger(wt)

	if masterOffset > 0 {
		var e resp.Encoder
		e.WriteStringArray([]string{"REPLCONF", "GETACK", "*"})
		s.db.Master.Propagate(e.Buf)
	}

	wt.Wait(context.Background(), time.Duration(timeoutMs)*time.Millisecond)
	wt.Fire() // done either way; lets the registry sweep it

	var e resp.Encoder
	e.WriteInt(int64(s.db.Master.CountAcksByOffset(wt.MasterOffset)))
	s.writeReply(e.Buf)
}

func doType(s *Session, f resp.Frame) {
	args := f.Command
	if len(args) < 2 {
		s.writeReply(resp.EncodeError("ERR", "wrong number of arguments for 'type' command"))
		return
	}
	key := args[1]
	var typ string
	switch {
	case s.db.Store.Has(key):
		typ = "string"
	case s.db.Stream.Has(key):
		typ = "stream"
	default:
		typ = "none"
	}
	s.writeReply(resp.EncodeSimpleString(typ))
}

func doXAdd(s *Session, f resp.Frame) {
	args := f.Command
	if len(args) < 3 || len(args[3:])%2 != 0 {
		s.writeReply(resp.EncodeError("ERR", "wrong number of arguments for 'xadd' command"))
		return
	}
	key, idSpec, fields := args[1], args[2], args[3:]

	stream := s.db.Stream.GetOrCreate(key)
	id, err := stream.Append(idSpec, fields)
	if err != nil {
		s.writeReply(resp.EncodeError("ERR", err.Error()))
		return
	}

	s.db.CheckStreamTriggers(key, id)

	if s.db.Role() == config.RoleMaster {
		s.db.Master.Propagate(f.Raw)
	}

	var e resp.Encoder
	e.WriteBulkString(id.String())
	s.writeReply(e.Buf)
}

func doXRange(s *Session, f resp.Frame) {
	args := f.Command
	if len(args) < 4 {
		s.writeReply(resp.EncodeError("ERR", "wrong number of arguments for 'xrange' command"))
		return
	}
	key, startSpec, endSpec := args[1], args[2], args[3]

	stream, ok := s.db.Stream.Get(key)
	if !ok {
		s.writeReply(encodeStreamEntries(nil))
		return
	}
	start, err := streams.ParseKey(startSpec, streams.Key{}, false)
	if err != nil {
		s.writeReply(resp.EncodeError("ERR", err.Error()))
		return
	}
	end, err := streams.ParseKey(endSpec, streams.Key{}, false)
	if err != nil {
		s.writeReply(resp.EncodeError("ERR", err.Error()))
		return
	}

	s.writeReply(encodeStreamEntries(stream.Range(start, end)))
}

func doXRead(s *Session, f resp.Frame) {
	args := f.Command
	if len(args) < 2 {
		s.writeReply(resp.EncodeUnknownCommand(args))
		return
	}

	switch strings.ToUpper(args[1]) {
	case "STREAMS":
		s.writeReply(readStreams(s, args[2:]))

	case "BLOCK":
		if len(args) < 5 || !strings.EqualFold(args[3], "STREAMS") {
			s.writeReply(resp.EncodeError("ERR", "syntax error"))
			return
		}
		timeoutMs, err := strconv.Atoi(args[2])
		if err != nil {
			s.writeReply(resp.EncodeError("ERR", "timeout is not an integer or out of range"))
			return
		}
		request := replaceDollarIDs(s, args[4:])

		// Entries past the requested ids may already exist; answer from
		// those rather than blocking the full timeout on a trigger no
		// future XADD needs to fire.
		if b := readStreams(s, request); string(b) != "$-1\r\n" {
			s.writeReply(b)
			return
		}

		pairs := toPairs(request)
		conditions := make([]trigger.StreamCondition, 0, len(pairs))
		for _, p := range pairs {
			conditions = append(conditions, trigger.StreamCondition{Key: p.key, AfterID: p.value})
		}
		st := trigger.NewStreamTrigger(conditions)
		s.db.StreamConds.Add(st)

		st.Wait(context.Background(), time.Duration(timeoutMs)*time.Millisecond)
		st.Fire() // done either way; lets the registry sweep it
		s.writeReply(readStreams(s, request))

	default:
		s.writeReply(resp.EncodeUnknownCommand(args))
	}
}

// replaceDollarIDs resolves "$" in an XREAD BLOCK request to the id of
// the current last entry (or "0-0" for an as-yet-empty stream) so the
// trigger condition has a concrete id to compare against.
func replaceDollarIDs(s *Session, request []string) []string {
	out := append([]string(nil), request...)
	half := len(request) / 2
	for i, id := range request[half:] {
		if id != "$" {
			continue
		}
		last := "0-0"
		if stream, ok := s.db.Stream.Get(request[i]); ok {
			if lastID, has := stream.LastID(); has {
				last = lastID.String()
			}
		}
		out[half+i] = last
	}
	return out
}

func readStreams(s *Session, request []string) []byte {
	type result struct {
		key     string
		entries []streams.Entry
	}
	pairs := toPairs(request)
	results := make([]result, 0, len(pairs))
	anyNonEmpty := false

	for _, p := range pairs {
		from, err := streams.ParseKey(p.value, streams.Key{}, false)
		if err != nil {
			continue
		}
		from = from.Next() // exclusive lower bound: strictly greater than the given id
		var entries []streams.Entry
		if stream, ok := s.db.Stream.Get(p.key); ok {
			entries = stream.Range(from, streams.MaxKey)
		}
		if len(entries) > 0 {
			anyNonEmpty = true
		}
		results = append(results, result{p.key, entries})
	}

	var e resp.Encoder
	if !anyNonEmpty {
		e.WriteNullBulk()
		return e.Buf
	}

	e.WriteArrayHeader(len(results))
	for _, r := range results {
		e.WriteArrayHeader(2)
		e.WriteBulkString(r.key)
		e.Buf = append(e.Buf, encodeStreamEntries(r.entries)...)
	}
	return e.Buf
}

func encodeStreamEntries(entries []streams.Entry) []byte {
	var e resp.Encoder
	e.WriteArrayHeader(len(entries))
	for _, entry := range entries {
		e.WriteArrayHeader(2)
		e.WriteBulkString(entry.ID.String())
		e.WriteStringArray(entry.Fields)
	}
	return e.Buf
}

type kv struct{ key, value string }

// toPairs splits a flat [key1 key2 id1 id2 ...] XREAD argument list into
// ordered key/id pairs: keys in the first half, ids in the second,
// zipped pairwise.
func toPairs(flat []string) []kv {
	half := len(flat) / 2
	pairs := make([]kv, half)
	for i := 0; i < half; i++ {
		pairs[i] = kv{flat[i], flat[half+i]}
	}
	return pairs
}
