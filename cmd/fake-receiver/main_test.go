package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"testing"
	"time"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	secret := "topsecret"
	body := []byte(`{ "spaced" :  true }`)
	now := strconv.FormatInt(time.Now().Unix(), 10)
	leeway := 5 * time.Minute

	tests := []struct {
		name string
		body []byte
		ts   string
		sig  string
		want bool
	}{
		{
			name: "valid signature",
			body: body,
			ts:   now,
			sig:  sign(secret, body),
			want: true,
		},
		{
			name: "signature covers exact bytes",
			body: []byte(`{"spaced":true}`), // re-serialized body breaks the MAC
			ts:   now,
			sig:  sign(secret, body),
			want: false,
		},
		{
			name: "wrong secret",
			body: body,
			ts:   now,
			sig:  sign("other", body),
			want: false,
		},
		{
			name: "missing signature header",
			body: body,
			ts:   now,
			sig:  "",
			want: false,
		},
		{
			name: "missing timestamp header",
			body: body,
			ts:   "",
			sig:  sign(secret, body),
			want: false,
		},
		{
			name: "garbage timestamp",
			body: body,
			ts:   "yesterday",
			sig:  sign(secret, body),
			want: false,
		},
		{
			name: "timestamp outside leeway",
			body: body,
			ts:   strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10),
			sig:  sign(secret, body),
			want: false,
		},
		{
			name: "future timestamp within leeway",
			body: body,
			ts:   strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10),
			sig:  sign(secret, body),
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, msg := verifySignature(secret, tt.body, tt.ts, tt.sig, leeway)
			if ok != tt.want {
				t.Errorf("verifySignature() = %v (%s), want %v", ok, msg, tt.want)
			}
		})
	}
}

func TestAbs64(t *testing.T) {
	tests := []struct {
		in   int64
		want int64
	}{
		{in: 0, want: 0},
		{in: 5, want: 5},
		{in: -5, want: 5},
	}
	for _, tt := range tests {
		if got := abs64(tt.in); got != tt.want {
			t.Errorf("abs64(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{name: "short string untouched", in: "abc", n: 10, want: "abc"},
		{name: "exact length untouched", in: "abcde", n: 5, want: "abcde"},
		{name: "long string truncated", in: "abcdefgh", n: 5, want: "abcde..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncate(tt.in, tt.n); got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
		})
	}
}
