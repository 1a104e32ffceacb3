package services

import (
	"fmt"
	"net/mail"
	"regexp"

	"github.com/dmitrijs2005/gatekeeper/internal/common"
)

const (
	minPasswordLen = 8
	// bcrypt ignores everything past 72 bytes.
	maxPasswordLen = 72
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9_]{3,30}$`)

func validateUserName(username string) error {
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("%w: username must be 3-30 letters, digits or underscores", common.ErrorValidation)
	}
	return nil
}

func validateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("%w: malformed email", common.ErrorValidation)
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLen || len(password) > maxPasswordLen {
		return fmt.Errorf("%w: password must be %d-%d bytes", common.ErrorValidation, minPasswordLen, maxPasswordLen)
	}
	return nil
}
