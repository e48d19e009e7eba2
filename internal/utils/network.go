package utils

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// GetRequestIP returns the client address, preferring proxy headers.
func GetRequestIP(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		ips := strings.Split(forwarded, ",")
		return strings.TrimSpace(ips[0])
	}
	realIP := r.Header.Get("X-Real-IP")
	if realIP != "" {
		return realIP
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr // Fallback
	}
	return ip
}

// StripPort returns host without a trailing :port, lowercased.
func StripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

// HostOf returns the host[:port] part of rawURL, or rawURL itself if it doesn't parse.
// Used for log and metric labels so credentials in URL paths never leak.
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

type loggingResponseWriter struct {
	http.ResponseWriter
	StatusCode int
}

// NewLoggingResponseWriter wraps w and records the status code written through it.
func NewLoggingResponseWriter(w http.ResponseWriter) *loggingResponseWriter {
	// Default status code is 200 (OK) if WriteHeader is never called.
	return &loggingResponseWriter{w, http.StatusOK}
}

// WriteHeader captures the status code before calling the original WriteHeader.
func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.StatusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}
