package refcode

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrExhausted is reported by callers once uniqueness retries run out.
	ErrExhausted = errors.New("refcode: code generation attempts exhausted")
	// ErrInvalidSequence is returned for non-positive invoice sequences.
	ErrInvalidSequence = errors.New("refcode: invoice sequence must be positive")
)

// MaxSchoolCodeAttempts bounds uniqueness retries when inserting a freshly
// generated school code; the caller fails with ErrExhausted afterwards.
const MaxSchoolCodeAttempts = 10

// Prefix tags a timestamped reference with the record kind it identifies.
type Prefix string

const (
	PrefixSchool       Prefix = "SCHOOL"
	PrefixBatch        Prefix = "BATCH"
	PrefixRegistration Prefix = "REG"
	PrefixPayment      Prefix = "PAY"
	PrefixInvoice      Prefix = "INV"
)

const (
	schoolCodeLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	schoolCodeDigits  = "0123456789"
	base36Alphabet    = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	suffixLength      = 5
)

// SchoolCode generates a candidate school login code: three uppercase
// letters followed by three digits, drawn uniformly from crypto/rand.
// Uniqueness is the caller's concern.
func SchoolCode() (string, error) {
	var b strings.Builder
	b.Grow(6)
	for i := 0; i < 3; i++ {
		c, err := randomFrom(schoolCodeLetters)
		if err != nil {
			return "", err
		}
		b.WriteByte(c)
	}
	for i := 0; i < 3; i++ {
		c, err := randomFrom(schoolCodeDigits)
		if err != nil {
			return "", err
		}
		b.WriteByte(c)
	}
	return b.String(), nil
}

// TimestampedReference produces an uppercase reference of the form
// {PREFIX}-{base36 millisecond timestamp}-{5 random base36 chars}.
// References sort lexically by creation time at millisecond granularity;
// two references from the same millisecond carry no relative order.
func TimestampedReference(prefix Prefix) (string, error) {
	ts := strings.ToUpper(strconv.FormatInt(time.Now().UnixMilli(), 36))
	var suffix strings.Builder
	suffix.Grow(suffixLength)
	for i := 0; i < suffixLength; i++ {
		c, err := randomFrom(base36Alphabet)
		if err != nil {
			return "", err
		}
		suffix.WriteByte(c)
	}
	return fmt.Sprintf("%s-%s-%s", prefix, ts, suffix.String()), nil
}

// InvoiceNumber formats an invoice number from the school code and a
// caller-owned sequence: INV-{code}-{seq zero padded to 4}. Sequences
// above 9999 widen the number instead of truncating.
func InvoiceNumber(schoolCode string, sequence int) (string, error) {
	if sequence <= 0 {
		return "", ErrInvalidSequence
	}
	return fmt.Sprintf("INV-%s-%04d", schoolCode, sequence), nil
}

func randomFrom(alphabet string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
	if err != nil {
		return 0, fmt.Errorf("refcode: read randomness: %w", err)
	}
	return alphabet[n.Int64()], nil
}
