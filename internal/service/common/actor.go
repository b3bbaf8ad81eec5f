//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"fmt"
	"os"
	"os/user"
)

// Actor identifies who started a run.
type Actor struct {
	// Hostname is the machine name.
	Hostname string
	// Username is the invoking system user.
	Username string
}

// String renders the actor as user@host.
func (a *Actor) String() string {
	return a.Username + "@" + a.Hostname
}

// DetectActor gathers host and user information for the run lock and the logs.
func DetectActor() (*Actor, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("hostname: %w", err)
	}

	currentUser, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("current user: %w", err)
	}

	return &Actor{
		Hostname: hostname,
		Username: currentUser.Username,
	}, nil
}
