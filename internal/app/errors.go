package app

import (
	"errors"

	"allergen-scanner/internal/analysis"
	"allergen-scanner/internal/capture"
)

// genericScanFailure is shown when a remote failure has no structured,
// user-safe message. The original cause only ever goes to the log.
const genericScanFailure = "The label could not be analyzed. Please try scanning again."

func errNoScanInProgress() error {
	return errors.New("no scan in progress: open the scanner first")
}

// userMessage maps an error to the message rendered to the user,
// preferring the structured error's own message and falling back to a
// generic retry-oriented one.
func userMessage(err error) string {
	var valErr *analysis.ValidationError
	if errors.As(err, &valErr) {
		return valErr.Message
	}
	if capErr := capture.AsError(err); capErr != nil {
		return capErr.UserMessage()
	}
	var remoteErr *analysis.RemoteError
	if errors.As(err, &remoteErr) {
		return genericScanFailure
	}
	return genericScanFailure
}
