package sip

import (
	"strings"

	"github.com/google/uuid"

	"github.com/voipkit/siptx/internal/util"
)

// MagicCookie is the RFC 3261 branch prefix.
const MagicCookie = "z9hG4bK"

// GenerateBranch returns a new RFC 3261 branch value.
func GenerateBranch() string { return MagicCookie + "." + util.RandString(32) }

// IsRFC3261Branch reports whether the branch starts with [MagicCookie].
func IsRFC3261Branch(branch string) bool { return strings.HasPrefix(branch, MagicCookie) }

// GenerateTag returns a new random From/To tag.
func GenerateTag() string { return util.RandStringLC(16) }

// GenerateCallID returns a new globally unique Call-ID value.
func GenerateCallID() CallID { return CallID(uuid.NewString()) }
