//go:build !linux

package platform

// CoreBluetooth prompts on first use; nothing to check up front.
func granted() (bool, error) {
	return true, nil
}
