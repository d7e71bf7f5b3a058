// Package util provides small helpers shared across siptx packages.
package util

import "crypto/rand"

const charset = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

func randStr(n int, cs string) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	for i, b := range buf {
		buf[i] = cs[int(b)%len(cs)]
	}
	return string(buf)
}

// RandString returns a random alphanumeric string of length n.
func RandString(n int) string {
	return randStr(n, charset)
}

// RandStringLC returns a random lower-case alphanumeric string of length n.
func RandStringLC(n int) string {
	return randStr(n, charset[:36])
}
