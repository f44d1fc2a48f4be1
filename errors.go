/*
Copyright © 2026 Sarefo <sarefo@duo-nat.org>
*/

package main

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// Named outcomes of the load pipeline. Everything else that can go wrong
// during a load (transport failures, decode errors) is wrapped with %w and
// folded into one of these before it reaches a client.
var (
	// errNoPairsAvailable means the filtered collection is empty. Not
	// retryable without a filter change, and not an application error.
	errNoPairsAvailable = errors.New("no pairs match the current filters")

	// errNoImages means the image source found zero usable images for a
	// taxon. Retryable with a different pair.
	errNoImages = errors.New("no images available for taxon")

	// errLoadFailed means retries were exhausted; terminal for this load.
	errLoadFailed = errors.New("load failed after retries")

	// errLoadInFlight rejects a load while another one is still running.
	errLoadInFlight = errors.New("a load is already in flight")
)

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(getFavicon())
	htmlBody.WriteString(`<style>`)
	htmlBody.WriteString(`html,body,a{display:block;height:100%;width:100%;text-decoration:none;color:inherit;cursor:auto;}</style>`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", title))
	htmlBody.WriteString(fmt.Sprintf("<body><a href=\"/\">%s</a></body></html>", body))

	return htmlBody.String()
}
