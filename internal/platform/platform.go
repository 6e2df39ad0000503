// Package platform answers one question for the central: may this process use
// Bluetooth right now.
package platform

// Check reports whether Bluetooth use is permitted. An error means the answer
// could not be determined.
type Check func() (bool, error)

// Granted is the Check for the current platform.
func Granted() (bool, error) {
	return granted()
}

// Always is a Check that never refuses.
func Always() (bool, error) {
	return true, nil
}
