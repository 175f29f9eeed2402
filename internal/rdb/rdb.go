// Package rdb loads the subset of the RDB v11 on-disk format this server
// needs at startup: string-valued keys, optional per-key expiry, and the
// trailing CRC-64 checksum. Anything else (lists, sets, hashes, the
// various ziplist/intset/quicklist encodings) is rejected rather than
// silently skipped, since getting those wrong would corrupt the load.
package rdb

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	lzf "github.com/zhuyie/golzf"
	"go.uber.org/zap"

	"github.com/flonle/rdis/internal/rdb/crc64"
	"github.com/flonle/rdis/internal/store"
)

const (
	opCodeModuleAux    byte = 0xF7
	opCodeIdle         byte = 0xF8
	opCodeFreq         byte = 0xF9
	opCodeAux          byte = 0xFA
	opCodeResizeDB     byte = 0xFB
	opCodeExpireTimeMs byte = 0xFC
	opCodeExpireTimeS  byte = 0xFD
	opCodeSelectDB     byte = 0xFE
	opCodeEOF          byte = 0xFF
)

const stringEnc byte = 0

const (
	specialInt8 int = iota
	specialInt16
	specialInt32
	specialCompressed
)

// Load reads dir/dbfilename and installs every string key it finds into
// s. A missing file is not an error: a fresh server simply starts empty.
func Load(dir, dbfilename string, s *store.Store, log *zap.Logger) error {
	if dir == "" || dbfilename == "" {
		return nil
	}
	path := filepath.Join(dir, dbfilename)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	if err := verifyChecksum(path); err != nil {
		return fmt.Errorf("rdb: %w", err)
	}

	log.Debug("loading rdb", zap.String("path", path))
	return LoadBytesInto(bufio.NewReader(f), s, log)
}

// LoadBytesInto parses an RDB payload from r, installing every string key
// into s. Used both for the on-disk snapshot and for the inline RDB blob
// a replica receives as part of PSYNC's FULLRESYNC reply. No checksum is
// verified here: Load checks the on-disk file's trailer before calling
// this, and the replica path loads the PSYNC blob without checking it.
func LoadBytesInto(r *bufio.Reader, s *store.Store, log *zap.Logger) error {
	header := make([]byte, 9)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("rdb: reading header: %w", err)
	}
	if string(header[:5]) != "REDIS" {
		return errors.New("rdb: not a Redis RDB file")
	}

	if err := skipAuxFields(r); err != nil {
		return fmt.Errorf("rdb: aux fields: %w", err)
	}
	if err := loadKeys(r, s, log); err != nil {
		return fmt.Errorf("rdb: %w", err)
	}
	return nil
}

// verifyChecksum reads the whole file, hashing every byte but the
// trailing 8-byte CRC, and compares it against that trailer. A trailer of
// all zeros means the writer disabled checksums (RDB_VERSION < 5-era
// compatibility); that is treated as "nothing to verify", not failure.
func verifyChecksum(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) < 8 {
		return errors.New("file too short to contain a checksum")
	}
	body, trailer := data[:len(data)-8], data[len(data)-8:]
	reported := binary.LittleEndian.Uint64(trailer)
	if reported == 0 {
		return nil
	}

	hash := crc64.New()
	hash.Write(body)
	if hash.Sum64() != reported {
		return errors.New("checksum mismatch")
	}
	return nil
}

func skipAuxFields(r *bufio.Reader) error {
	for {
		opCode, err := r.ReadByte()
		if err != nil {
			return err
		}
		if opCode != opCodeAux {
			return r.UnreadByte()
		}
		if _, _, _, err := readStringEnc(r); err != nil {
			return err
		}
		if _, _, _, err := readStringEnc(r); err != nil {
			return err
		}
	}
}

func loadKeys(r *bufio.Reader, s *store.Store, log *zap.Logger) error {
	var expiresAt int64

	for {
		opCode, err := r.ReadByte()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		switch opCode {
		case opCodeEOF:
			return nil

		case opCodeSelectDB:
			if _, _, err := readLengthEnc(r); err != nil {
				return err
			}

		case opCodeResizeDB:
			if _, _, err := readLengthEnc(r); err != nil {
				return err
			}
			if _, _, err := readLengthEnc(r); err != nil {
				return err
			}

		case opCodeExpireTimeS:
			buf := make([]byte, 4)
			if _, err := io.ReadFull(r, buf); err != nil {
				return err
			}
			expiresAt = int64(binary.LittleEndian.Uint32(buf)) * 1000

		case opCodeExpireTimeMs:
			buf := make([]byte, 8)
			if _, err := io.ReadFull(r, buf); err != nil {
				return err
			}
			expiresAt = int64(binary.LittleEndian.Uint64(buf))

		case opCodeModuleAux, opCodeIdle, opCodeFreq:
			return fmt.Errorf("unsupported rdb opcode 0x%02x", opCode)

		default:
			if err := r.UnreadByte(); err != nil {
				return err
			}
			if err := loadKeyVal(r, s, expiresAt, log); err != nil {
				return err
			}
			expiresAt = 0
		}
	}
}

func loadKeyVal(r *bufio.Reader, s *store.Store, expiresAt int64, log *zap.Logger) error {
	valueType, err := r.ReadByte()
	if err != nil {
		return err
	}
	if valueType != stringEnc {
		return fmt.Errorf("unsupported value encoding %d", valueType)
	}

	key, _, _, err := readStringEnc(r)
	if err != nil {
		return err
	}
	value, isInt, intVal, err := readStringEnc(r)
	if err != nil {
		return err
	}
	if isInt {
		value = strconv.FormatInt(intVal, 10)
	}

	log.Debug("rdb key", zap.String("key", key), zap.Int64("expires_at", expiresAt))
	s.Set(key, value, expiresAt)
	return nil
}

// readStringEnc returns either a literal string or, for the "special
// format" integer encodings, its decimal form alongside the raw integer
// (isInt distinguishes a genuine zero value from an absent one).
func readStringEnc(r *bufio.Reader) (str string, isInt bool, asInt int64, err error) {
	length, special, err := readLengthEnc(r)
	if err != nil {
		return "", false, 0, err
	}

	if special {
		switch length {
		case specialInt8:
			b, err := r.ReadByte()
			if err != nil {
				return "", false, 0, err
			}
			return "", true, int64(int8(b)), nil

		case specialInt16:
			buf := make([]byte, 2)
			if _, err := io.ReadFull(r, buf); err != nil {
				return "", false, 0, err
			}
			return "", true, int64(int16(binary.LittleEndian.Uint16(buf))), nil

		case specialInt32:
			buf := make([]byte, 4)
			if _, err := io.ReadFull(r, buf); err != nil {
				return "", false, 0, err
			}
			return "", true, int64(int32(binary.LittleEndian.Uint32(buf))), nil

		case specialCompressed:
			s, err := readCompressedStr(r)
			return s, false, 0, err

		default:
			return "", false, 0, fmt.Errorf("unknown special string encoding %d", length)
		}
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", false, 0, err
	}
	return string(buf), false, 0, nil
}

func readCompressedStr(r *bufio.Reader) (string, error) {
	compressedLen, special, err := readLengthEnc(r)
	if special || err != nil {
		return "", errors.New("invalid compressed string encoding")
	}
	uncompressedLen, special, err := readLengthEnc(r)
	if special || err != nil {
		return "", errors.New("invalid compressed string encoding")
	}

	buf := make([]byte, compressedLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}

	out := make([]byte, uncompressedLen)
	n, err := lzf.Decompress(buf, out)
	if err != nil {
		return "", err
	}
	return string(out[:n]), nil
}

// readLengthEnc parses Redis' length encoding: the top two bits of the
// first byte select 6-bit, 14-bit, or 32-bit lengths, or (when both bits
// are set) a "special format" whose kind is the remaining 6 bits.
func readLengthEnc(r *bufio.Reader) (length int, special bool, err error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, false, err
	}

	switch first >> 6 {
	case 0:
		return int(first & 0x3F), false, nil

	case 1:
		next, err := r.ReadByte()
		if err != nil {
			return 0, false, err
		}
		return int(first&0x3F)<<8 | int(next), false, nil

	case 2:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(r, buf); err != nil {
			return 0, false, err
		}
		return int(binary.BigEndian.Uint32(buf)), false, nil

	default: // 3: special format
		return int(first & 0x3F), true, nil
	}
}
