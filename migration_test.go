package taniwha_test

import (
	"encoding/json"
	"testing"

	"github.com/mistifyio/taniwha"
	"github.com/stretchr/testify/suite"
)

type MigrationTestSuite struct {
	CommonTestSuite
}

func TestMigrationTestSuite(t *testing.T) {
	suite.Run(t, new(MigrationTestSuite))
}

func (s *MigrationTestSuite) TestValidate() {
	tests := []struct {
		description string
		modify      func(*taniwha.MigrationRequest)
		expectedErr bool
	}{
		{"valid request", func(r *taniwha.MigrationRequest) {}, false},
		{"missing vm", func(r *taniwha.MigrationRequest) { r.VM = "" }, true},
		{"missing source", func(r *taniwha.MigrationRequest) { r.SourceNode = "" }, true},
		{"missing target", func(r *taniwha.MigrationRequest) { r.TargetNode = "" }, true},
		{"same source and target", func(r *taniwha.MigrationRequest) { r.TargetNode = r.SourceNode }, true},
		{"missing kind", func(r *taniwha.MigrationRequest) { r.Kind = "" }, true},
		{"bogus kind", func(r *taniwha.MigrationRequest) { r.Kind = "teleport" }, true},
		{"offline kind", func(r *taniwha.MigrationRequest) { r.Kind = taniwha.MigrationKindOffline }, false},
		{"no disks without shared storage", func(r *taniwha.MigrationRequest) { r.Disks = nil }, true},
		{"no disks with shared storage", func(r *taniwha.MigrationRequest) {
			r.Disks = nil
			r.SharedStorage = true
		}, false},
		{"disk missing path", func(r *taniwha.MigrationRequest) {
			r.Disks = []taniwha.BlockDevice{{}}
		}, true},
	}

	for _, test := range tests {
		msg := testMsgFunc(test.description)
		req := s.newRequest()
		test.modify(&req)
		err := req.Validate()
		if test.expectedErr {
			s.Error(err, msg("validation should fail"))
		} else {
			s.NoError(err, msg("validation should succeed"))
		}
	}
}

func (s *MigrationTestSuite) TestStateTerminal() {
	tests := []struct {
		state    taniwha.MigrationState
		terminal bool
	}{
		{taniwha.StatePreparing, false},
		{taniwha.StateTransferring, false},
		{taniwha.StateSyncing, false},
		{taniwha.StateFinalizing, false},
		{taniwha.StateCancelling, false},
		{taniwha.StateCompleted, true},
		{taniwha.StateFailed, true},
		{taniwha.StateCancelled, true},
	}

	for _, test := range tests {
		s.Equal(test.terminal, test.state.Terminal(), string(test.state))
	}
}

func (s *MigrationTestSuite) TestJSON() {
	req := s.newRequest()

	reqBytes, err := json.Marshal(req)
	s.NoError(err)

	reqFromJSON := taniwha.MigrationRequest{}
	s.NoError(json.Unmarshal(reqBytes, &reqFromJSON))
	s.Equal(req.VM, reqFromJSON.VM)
	s.Equal(req.Kind, reqFromJSON.Kind)
	s.Equal(req.Disks, reqFromJSON.Disks)
}

func (s *MigrationTestSuite) TestStatusRunning() {
	s.True(taniwha.StatusActive.Running())
	s.True(taniwha.StatusSetup.Running())
	s.True(taniwha.StatusPostCopy.Running())
	s.False(taniwha.StatusCompleted.Running())
	s.False(taniwha.StatusFailed.Running())
	s.False(taniwha.StatusNone.Running())
}
