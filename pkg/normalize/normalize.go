// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package normalize canonicalizes external identity keys (uids) before they are
stored or compared.

An identity uid arrives from untrusted clients in many visually-equal forms
(mixed case, Unicode compatibility variants, formatted phone numbers). The
uniqueness invariant on (authType, uid) only holds if every code path folds a
uid to exactly one canonical spelling first.

Rules:

  - Email: Unicode case folding + NFKC normalization, whitespace trimmed.
  - Phone: all formatting stripped, digits only, "+" prefix restored.
  - Subject: social provider subject ids are opaque and passed through trimmed.
*/
package normalize

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// Email returns the canonical form of an email address uid.
func Email(raw string) string {
	trimmed := strings.TrimSpace(raw)
	return folder.String(norm.NFKC.String(trimmed))
}

// Phone returns the canonical E.164-ish form of a phone uid: digits only,
// with a single leading plus sign.
func Phone(raw string) string {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return ""
	}
	return "+" + digits.String()
}

// Subject returns the canonical form of an opaque provider subject id.
func Subject(raw string) string {
	return strings.TrimSpace(raw)
}
