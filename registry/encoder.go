package registry

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const recordFormatVersion = 1

// encodeRecord packs a record into the compact binary value stored under the
// token digest key. Layout: version byte, uint8 user id length, user id
// bytes, created-at unix (int64 BE), expires-at unix (int64 BE). The Lua
// scripts in the Redis store parse the same layout.
func encodeRecord(rec Record) ([]byte, error) {
	if len(rec.UserID) == 0 {
		return nil, errors.New("empty user id")
	}
	if len(rec.UserID) > 255 {
		return nil, errors.New("user id too long")
	}

	var buf bytes.Buffer
	buf.WriteByte(recordFormatVersion)
	buf.WriteByte(byte(len(rec.UserID)))
	buf.WriteString(rec.UserID)

	if err := binary.Write(&buf, binary.BigEndian, rec.CreatedAt.Unix()); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, rec.ExpiresAt.Unix()); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (*Record, error) {
	if len(data) < 2 {
		return nil, errors.New("record blob truncated")
	}
	if data[0] != recordFormatVersion {
		return nil, errors.New("unknown record format version")
	}

	userLen := int(data[1])
	if userLen == 0 || len(data) != 2+userLen+16 {
		return nil, errors.New("record blob corrupt")
	}

	userID := string(data[2 : 2+userLen])
	created := int64(binary.BigEndian.Uint64(data[2+userLen:]))
	expires := int64(binary.BigEndian.Uint64(data[2+userLen+8:]))

	return &Record{
		UserID:    userID,
		CreatedAt: time.Unix(created, 0),
		ExpiresAt: time.Unix(expires, 0),
	}, nil
}
