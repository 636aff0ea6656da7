package logger

import "strings"

// RedactCustomerID masks a customer identifier for safe logging.
// "cust-4f9a8b2c" → "cu***2c". Short IDs (≤4 chars) are fully masked.
func RedactCustomerID(id string) string {
	if len(id) <= 4 {
		return "***"
	}
	return id[:2] + "***" + id[len(id)-2:]
}

func redactValue(key, val string) string {
	key = strings.ToLower(key)
	if strings.Contains(key, "customer") || strings.Contains(key, "user_id") {
		return RedactCustomerID(val)
	}
	return val
}
