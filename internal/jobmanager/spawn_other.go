//go:build !unix

package jobmanager

func isResourceError(err error) bool {
	return false
}
