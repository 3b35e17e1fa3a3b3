package payments

import (
	"encoding/base64"
	"time"
)

const timestampLayout = "20060102150405"

// Timestamp formats t as the 14-digit YYYYMMDDHHMMSS value in UTC.
func Timestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// Password is the base64 of shortcode, passkey and timestamp concatenated.
func Password(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}
