package core

import (
	"fmt"

	"DerivLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// Role is a bitmask of the capacities a caller holds on a contract.
type Role uint8

const (
	RoleSponsor Role = 1 << iota
	RoleAPDelegate
	RoleAdmin

	RoleNone   Role = 0
	RoleAnyone Role = 0xFF
)

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "none"
	case RoleAnyone:
		return "anyone"
	}
	s := ""
	for _, named := range []struct {
		bit  Role
		name string
	}{{RoleSponsor, "sponsor"}, {RoleAPDelegate, "ap_delegate"}, {RoleAdmin, "admin"}} {
		if r&named.bit != 0 {
			if s != "" {
				s += "|"
			}
			s += named.name
		}
	}
	return s
}

// RolesOf returns every role caller holds on s. The zero address holds none.
func RolesOf(s *state.DerivativeStorage, caller common.Address) Role {
	if caller == (common.Address{}) {
		return RoleNone
	}
	var r Role
	if caller == s.Addresses.Sponsor {
		r |= RoleSponsor
	}
	if caller == s.Addresses.APDelegate {
		r |= RoleAPDelegate
	}
	if caller == s.Addresses.Admin {
		r |= RoleAdmin
	}
	return r
}

func requireRole(s *state.DerivativeStorage, caller common.Address, allowed Role) error {
	if allowed == RoleAnyone {
		return nil
	}
	if RolesOf(s, caller)&allowed == 0 {
		return fmt.Errorf("%w: %s needs %s", ErrUnauthorized, caller.Hex(), allowed)
	}
	return nil
}

func requireState(s *state.DerivativeStorage, allowed ...state.ContractState) error {
	for _, st := range allowed {
		if s.State == st {
			return nil
		}
	}
	return fmt.Errorf("%w: contract %s is %s", ErrInvalidState, s.ContractID, s.State)
}
