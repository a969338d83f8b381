package client

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ResolveIdentity decides whether a reconnecting client reuses an existing
// machine identity or mints a new disambiguated one. Records named `base` or
// `base-N` form the candidate partition: the first offline one is reused
// (updating its forward destination), and only when all of them are held by
// live processes is a fresh name registered. This keeps the identity space
// bounded by the number of concurrently running clients, not by restarts.
func ResolveIdentity(ctx context.Context, api *API, endpointID, baseName, forwardURL string) (MachineRecord, error) {
	if baseName == "" {
		host, err := os.Hostname()
		if err != nil {
			return MachineRecord{}, fmt.Errorf("deriving machine name: %w", err)
		}
		baseName = host
	}

	machines, err := api.ListMachines(ctx, endpointID)
	if err != nil {
		return MachineRecord{}, err
	}

	matching := make([]MachineRecord, 0)
	taken := make(map[string]bool, len(machines))
	for _, m := range machines {
		taken[m.Name] = true
		if matchesBase(m.Name, baseName) {
			matching = append(matching, m)
		}
	}

	for _, m := range matching {
		if !m.Online {
			return api.RegisterMachine(ctx, endpointID, MachineRecord{
				ID:         m.ID,
				Name:       m.Name,
				ForwardURL: forwardURL,
			})
		}
	}

	name := baseName
	if n := len(matching); n > 0 {
		name = fmt.Sprintf("%s-%d", baseName, n+1)
		for i := n + 1; taken[name]; i++ {
			name = fmt.Sprintf("%s-%d", baseName, i+1)
		}
	}
	return api.RegisterMachine(ctx, endpointID, MachineRecord{
		Name:       name,
		ForwardURL: forwardURL,
	})
}

func matchesBase(name, base string) bool {
	if name == base {
		return true
	}
	suffix, ok := strings.CutPrefix(name, base+"-")
	if !ok || suffix == "" {
		return false
	}
	n, err := strconv.Atoi(suffix)
	return err == nil && n > 0
}
