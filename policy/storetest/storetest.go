// Package storetest is the behavioural contract every policy.TxStore must
// satisfy. Store packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/warp/policy-engine/policy"
)

// Factory returns a fresh, empty store for one test.
type Factory func(t *testing.T) policy.TxStore

// Run executes the contract suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	suite.Run(t, &contractSuite{newStore: newStore})
}

type contractSuite struct {
	suite.Suite
	newStore Factory
	store    policy.TxStore
	ctx      context.Context
}

func (s *contractSuite) SetupTest() {
	s.store = s.newStore(s.T())
	s.ctx = context.Background()
}

// NewPolicy returns a valid active policy fixture.
func NewPolicy(id, number string) *policy.Policy {
	return &policy.Policy{
		ID:           id,
		PolicyNumber: number,
		Kind:         policy.KindRegular,
		RecordStatus: policy.StatusActive,
		EmissionDate: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		CreatedAt:    time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
}

// NewVehicle returns an unassigned vehicle fixture.
func NewVehicle(id, serial string) *policy.Vehicle {
	return &policy.Vehicle{
		ID:           id,
		SerialNumber: serial,
		Status:       policy.VehicleUnassigned,
		Plate:        "P-" + serial,
		CreatedAt:    time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (s *contractSuite) TestCreateAndFind() {
	s.Run("finds policy by id and number", func() {
		s.Require().NoError(s.store.CreatePolicy(s.ctx, NewPolicy("p-1", "N-1")))

		byID, err := s.store.FindPolicy(s.ctx, policy.PolicyFilter{ID: "p-1"})
		s.Require().NoError(err)
		s.Equal("N-1", byID.PolicyNumber)
		s.True(byID.EmissionDate.Equal(time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)))

		byNumber, err := s.store.FindPolicy(s.ctx, policy.PolicyFilter{PolicyNumber: "N-1"})
		s.Require().NoError(err)
		s.Equal("p-1", byNumber.ID)
	})

	s.Run("returns NotFound for unknown ids", func() {
		_, err := s.store.FindPolicy(s.ctx, policy.PolicyFilter{ID: "missing"})
		s.ErrorIs(err, policy.ErrNotFound)
		_, err = s.store.FindVehicle(s.ctx, policy.VehicleFilter{SerialNumber: "missing"})
		s.ErrorIs(err, policy.ErrNotFound)
	})
}

func (s *contractSuite) TestUniqueness() {
	s.Require().NoError(s.store.CreatePolicy(s.ctx, NewPolicy("p-1", "N-1")))
	err := s.store.CreatePolicy(s.ctx, NewPolicy("p-2", "N-1"))
	s.ErrorIs(err, policy.ErrConflict)

	s.Require().NoError(s.store.CreateVehicle(s.ctx, NewVehicle("v-1", "SER1")))
	err = s.store.CreateVehicle(s.ctx, NewVehicle("v-2", "SER1"))
	s.ErrorIs(err, policy.ErrConflict)
}

func (s *contractSuite) TestFilterAndPaging() {
	for i := 1; i <= 5; i++ {
		p := NewPolicy(fmt.Sprintf("p-%d", i), fmt.Sprintf("N-%d", i))
		p.PriorityScore = i * 10
		if i%2 == 0 {
			p.Kind = policy.KindProvisional
		}
		s.Require().NoError(s.store.CreatePolicy(s.ctx, p))
	}

	s.Run("filters by kind", func() {
		got, err := s.store.FindPolicies(s.ctx, policy.PolicyFilter{Kinds: []policy.PolicyKind{policy.KindProvisional}}, policy.Page{})
		s.Require().NoError(err)
		s.Len(got, 2)
	})

	s.Run("keyset pages by id", func() {
		first, err := s.store.FindPolicies(s.ctx, policy.PolicyFilter{}, policy.Page{Limit: 2})
		s.Require().NoError(err)
		s.Require().Len(first, 2)
		s.Equal("p-1", first[0].ID)

		next, err := s.store.FindPolicies(s.ctx, policy.PolicyFilter{}, policy.Page{AfterID: first[1].ID, Limit: 2})
		s.Require().NoError(err)
		s.Require().Len(next, 2)
		s.Equal("p-3", next[0].ID)
	})

	s.Run("sorts by priority", func() {
		got, err := s.store.FindPolicies(s.ctx, policy.PolicyFilter{}, policy.Page{Sort: policy.SortByPriority, Limit: 3})
		s.Require().NoError(err)
		s.Require().Len(got, 3)
		s.Equal([]string{"p-5", "p-4", "p-3"}, []string{got[0].ID, got[1].ID, got[2].ID})
	})
}

func (s *contractSuite) TestUpdateAppliesPatch() {
	s.Require().NoError(s.store.CreatePolicy(s.ctx, NewPolicy("p-1", "N-1")))
	history := []policy.ServiceRecord{{SequenceNumber: 1, ServiceDate: time.Date(2024, time.January, 3, 0, 0, 0, 0, time.UTC)}}

	updated, err := s.store.UpdatePolicy(s.ctx, "p-1", policy.PolicyPatch{ServiceHistory: &history})
	s.Require().NoError(err)
	s.Equal(1, updated.ServiceCount)

	stored, err := s.store.FindPolicy(s.ctx, policy.PolicyFilter{ID: "p-1"})
	s.Require().NoError(err)
	s.Equal(1, stored.ServiceCount)
	s.Len(stored.ServiceHistory, 1)

	_, err = s.store.UpdatePolicy(s.ctx, "missing", policy.PolicyPatch{})
	s.ErrorIs(err, policy.ErrNotFound)
}

func (s *contractSuite) TestDeletedRejectsUpdates() {
	s.Require().NoError(s.store.CreatePolicy(s.ctx, NewPolicy("p-1", "N-1")))
	now := time.Now()
	_, err := s.store.UpdatePolicy(s.ctx, "p-1", policy.PolicyPatch{
		RecordStatus:   policy.Ptr(policy.StatusDeleted),
		DeletedAt:      &now,
		DeletionReason: policy.Ptr(policy.ReasonOperatorRequest),
	})
	s.Require().NoError(err)

	_, err = s.store.UpdatePolicy(s.ctx, "p-1", policy.PolicyPatch{PriorityScore: policy.Ptr(5)})
	s.ErrorIs(err, policy.ErrConflict)

	got, err := s.store.FindPolicies(s.ctx, policy.PolicyFilter{Statuses: []policy.RecordStatus{policy.StatusDeleted}}, policy.Page{})
	s.Require().NoError(err)
	s.Len(got, 1)
}

func (s *contractSuite) TestTransactionRollback() {
	s.Require().NoError(s.store.CreateVehicle(s.ctx, NewVehicle("v-1", "SER1")))
	boom := errors.New("boom")

	err := s.store.WithTx(s.ctx, func(tx policy.Store) error {
		if _, err := tx.UpdateVehicle(s.ctx, "v-1", policy.VehiclePatch{Status: policy.Ptr(policy.VehicleConverted), PolicyRef: policy.Ptr("p-1")}); err != nil {
			return err
		}
		if err := tx.CreatePolicy(s.ctx, NewPolicy("p-1", "SER1")); err != nil {
			return err
		}
		// Reads inside the transaction see its own writes.
		if _, err := tx.FindPolicy(s.ctx, policy.PolicyFilter{ID: "p-1"}); err != nil {
			return err
		}
		return boom
	})
	s.Require().ErrorIs(err, boom)

	v, err := s.store.FindVehicle(s.ctx, policy.VehicleFilter{ID: "v-1"})
	s.Require().NoError(err)
	s.Equal(policy.VehicleUnassigned, v.Status)
	s.Empty(v.PolicyRef)

	_, err = s.store.FindPolicy(s.ctx, policy.PolicyFilter{ID: "p-1"})
	s.ErrorIs(err, policy.ErrNotFound)
}

func (s *contractSuite) TestTransactionCommit() {
	s.Require().NoError(s.store.CreateVehicle(s.ctx, NewVehicle("v-1", "SER1")))

	err := s.store.WithTx(s.ctx, func(tx policy.Store) error {
		if _, err := tx.UpdateVehicle(s.ctx, "v-1", policy.VehiclePatch{Status: policy.Ptr(policy.VehicleConverted), PolicyRef: policy.Ptr("p-1")}); err != nil {
			return err
		}
		return tx.CreatePolicy(s.ctx, NewPolicy("p-1", "SER1"))
	})
	s.Require().NoError(err)

	v, err := s.store.FindVehicle(s.ctx, policy.VehicleFilter{PolicyRef: "p-1"})
	s.Require().NoError(err)
	s.Equal(policy.VehicleConverted, v.Status)
}

func (s *contractSuite) TestRunTxBudget() {
	err := policy.RunTx(s.ctx, s.store, 20*time.Millisecond, func(ctx context.Context, tx policy.Store) error {
		if err := tx.CreatePolicy(ctx, NewPolicy("p-1", "N-1")); err != nil {
			return err
		}
		time.Sleep(60 * time.Millisecond)
		return nil
	})
	s.Require().ErrorIs(err, policy.ErrTransactionTimeout)

	_, err = s.store.FindPolicy(s.ctx, policy.PolicyFilter{ID: "p-1"})
	s.ErrorIs(err, policy.ErrNotFound)
}
