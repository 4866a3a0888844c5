package tokens

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

const recordFormatVersion = 1

const (
	tagPasswordForgot byte = iota + 1
	tagAccountReset
	tagPasswordChange
	tagSession
	tagKeyFetch
)

type recordWriter struct {
	buf bytes.Buffer
	err error
}

func newRecordWriter(tag byte) *recordWriter {
	w := &recordWriter{}
	w.buf.WriteByte(recordFormatVersion)
	w.buf.WriteByte(tag)
	return w
}

func (w *recordWriter) bytes(b []byte) {
	if w.err != nil {
		return
	}
	if len(b) > math.MaxUint16 {
		w.err = errors.New("record field too long")
		return
	}
	w.err = binary.Write(&w.buf, binary.BigEndian, uint16(len(b)))
	w.buf.Write(b)
}

func (w *recordWriter) str(s string) {
	w.bytes([]byte(s))
}

func (w *recordWriter) i64(v int64) {
	if w.err != nil {
		return
	}
	w.err = binary.Write(&w.buf, binary.BigEndian, v)
}

func (w *recordWriter) u8(v uint8) {
	if w.err != nil {
		return
	}
	w.buf.WriteByte(v)
}

func (w *recordWriter) flag(v bool) {
	if v {
		w.u8(1)
		return
	}
	w.u8(0)
}

func (w *recordWriter) time(t time.Time) {
	w.i64(t.UnixMilli())
}

func (w *recordWriter) duration(d time.Duration) {
	w.i64(d.Milliseconds())
}

func (w *recordWriter) finish() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}

type recordReader struct {
	r   *bytes.Reader
	err error
}

func newRecordReader(data []byte, tag byte) (*recordReader, error) {
	if len(data) < 2 {
		return nil, ErrCorrupt
	}
	if data[0] != recordFormatVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrCorrupt, data[0])
	}
	if data[1] != tag {
		return nil, fmt.Errorf("%w: unexpected record tag %d", ErrCorrupt, data[1])
	}
	return &recordReader{r: bytes.NewReader(data[2:])}, nil
}

func (r *recordReader) bytes() []byte {
	if r.err != nil {
		return nil
	}
	var n uint16
	if r.err = binary.Read(r.r, binary.BigEndian, &n); r.err != nil {
		return nil
	}
	out := make([]byte, n)
	if _, r.err = io.ReadFull(r.r, out); r.err != nil {
		return nil
	}
	return out
}

func (r *recordReader) str() string {
	return string(r.bytes())
}

func (r *recordReader) i64() int64 {
	if r.err != nil {
		return 0
	}
	var v int64
	r.err = binary.Read(r.r, binary.BigEndian, &v)
	return v
}

func (r *recordReader) u8() uint8 {
	if r.err != nil {
		return 0
	}
	var b byte
	b, r.err = r.r.ReadByte()
	return b
}

func (r *recordReader) flag() bool {
	return r.u8() == 1
}

func (r *recordReader) time() time.Time {
	return time.UnixMilli(r.i64()).UTC()
}

func (r *recordReader) duration() time.Duration {
	return time.Duration(r.i64()) * time.Millisecond
}

func (r *recordReader) done() error {
	if r.err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, r.err)
	}
	return nil
}

func encodePasswordForgot(t *PasswordForgotToken) ([]byte, error) {
	if t.Tries < 0 || t.Tries > math.MaxUint8 {
		return nil, errors.New("tries out of range")
	}
	w := newRecordWriter(tagPasswordForgot)
	w.str(t.UID)
	w.str(t.Email)
	w.bytes(t.PassCode)
	w.u8(uint8(t.Tries))
	w.time(t.CreatedAt)
	w.duration(t.Lifetime)
	return w.finish()
}

func decodePasswordForgot(id string, data []byte) (*PasswordForgotToken, error) {
	r, err := newRecordReader(data, tagPasswordForgot)
	if err != nil {
		return nil, err
	}
	t := &PasswordForgotToken{ID: id}
	t.UID = r.str()
	t.Email = r.str()
	t.PassCode = r.bytes()
	t.Tries = int(r.u8())
	t.CreatedAt = r.time()
	t.Lifetime = r.duration()
	return t, r.done()
}

func encodeAccountReset(t *AccountResetToken) ([]byte, error) {
	w := newRecordWriter(tagAccountReset)
	w.str(t.UID)
	w.time(t.CreatedAt)
	w.duration(t.Lifetime)
	return w.finish()
}

func decodeAccountReset(id string, data []byte) (*AccountResetToken, error) {
	r, err := newRecordReader(data, tagAccountReset)
	if err != nil {
		return nil, err
	}
	t := &AccountResetToken{ID: id}
	t.UID = r.str()
	t.CreatedAt = r.time()
	t.Lifetime = r.duration()
	return t, r.done()
}

func encodePasswordChange(t *PasswordChangeToken) ([]byte, error) {
	w := newRecordWriter(tagPasswordChange)
	w.str(t.UID)
	w.time(t.CreatedAt)
	w.duration(t.Lifetime)
	return w.finish()
}

func decodePasswordChange(id string, data []byte) (*PasswordChangeToken, error) {
	r, err := newRecordReader(data, tagPasswordChange)
	if err != nil {
		return nil, err
	}
	t := &PasswordChangeToken{ID: id}
	t.UID = r.str()
	t.CreatedAt = r.time()
	t.Lifetime = r.duration()
	return t, r.done()
}

func encodeSession(t *SessionToken) ([]byte, error) {
	w := newRecordWriter(tagSession)
	w.str(t.UID)
	w.str(t.Email)
	w.flag(t.EmailVerified)
	w.flag(t.TokenVerified)
	w.u8(uint8(t.VerificationMethod))
	w.str(t.DeviceID)
	w.str(t.UserAgent)
	w.time(t.CreatedAt)
	w.time(t.LastAuthAt)
	w.duration(t.Lifetime)
	return w.finish()
}

func decodeSession(id string, data []byte) (*SessionToken, error) {
	r, err := newRecordReader(data, tagSession)
	if err != nil {
		return nil, err
	}
	t := &SessionToken{ID: id}
	t.UID = r.str()
	t.Email = r.str()
	t.EmailVerified = r.flag()
	t.TokenVerified = r.flag()
	t.VerificationMethod = VerificationMethod(r.u8())
	t.DeviceID = r.str()
	t.UserAgent = r.str()
	t.CreatedAt = r.time()
	t.LastAuthAt = r.time()
	t.Lifetime = r.duration()
	return t, r.done()
}

func encodeKeyFetch(t *KeyFetchToken) ([]byte, error) {
	w := newRecordWriter(tagKeyFetch)
	w.str(t.UID)
	w.bytes(t.KeyBundle)
	w.flag(t.EmailVerified)
	w.time(t.CreatedAt)
	w.duration(t.Lifetime)
	return w.finish()
}

func decodeKeyFetch(id string, data []byte) (*KeyFetchToken, error) {
	r, err := newRecordReader(data, tagKeyFetch)
	if err != nil {
		return nil, err
	}
	t := &KeyFetchToken{ID: id}
	t.UID = r.str()
	t.KeyBundle = r.bytes()
	t.EmailVerified = r.flag()
	t.CreatedAt = r.time()
	t.Lifetime = r.duration()
	return t, r.done()
}

// recordMeta extracts the owner, creation time and lifetime shared by all
// records, for index maintenance and expiry sweeps that do not care about kind.
func recordMeta(kind Kind, id string, data []byte) (string, time.Time, time.Duration, error) {
	switch kind {
	case KindPasswordForgot:
		t, err := decodePasswordForgot(id, data)
		if err != nil {
			return "", time.Time{}, 0, err
		}
		return t.UID, t.CreatedAt, t.Lifetime, nil
	case KindAccountReset:
		t, err := decodeAccountReset(id, data)
		if err != nil {
			return "", time.Time{}, 0, err
		}
		return t.UID, t.CreatedAt, t.Lifetime, nil
	case KindPasswordChange:
		t, err := decodePasswordChange(id, data)
		if err != nil {
			return "", time.Time{}, 0, err
		}
		return t.UID, t.CreatedAt, t.Lifetime, nil
	case KindSession:
		t, err := decodeSession(id, data)
		if err != nil {
			return "", time.Time{}, 0, err
		}
		return t.UID, t.CreatedAt, t.Lifetime, nil
	case KindKeyFetch:
		t, err := decodeKeyFetch(id, data)
		if err != nil {
			return "", time.Time{}, 0, err
		}
		return t.UID, t.CreatedAt, t.Lifetime, nil
	default:
		return "", time.Time{}, 0, fmt.Errorf("%w: unknown kind %q", ErrCorrupt, kind)
	}
}
