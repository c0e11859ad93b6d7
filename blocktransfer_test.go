package taniwha_test

import (
	"context"
	"errors"
	"testing"

	"github.com/mistifyio/taniwha"
	"github.com/stretchr/testify/suite"
)

type BlockTransferTestSuite struct {
	suite.Suite
	Runner *taniwha.StubRunner
	Engine *taniwha.BlockTransferEngine
}

func TestBlockTransferTestSuite(t *testing.T) {
	suite.Run(t, new(BlockTransferTestSuite))
}

func (s *BlockTransferTestSuite) SetupTest() {
	s.Runner = taniwha.NewStubRunner()
	s.Engine = &taniwha.BlockTransferEngine{Runner: s.Runner}
}

func (s *BlockTransferTestSuite) TestDetectDiskFormat() {
	tests := []struct {
		path     string
		expected taniwha.DiskFormat
	}{
		{"/var/lib/libvirt/images/vm-1.qcow2", taniwha.FormatQcow2},
		{"/var/lib/libvirt/images/vm-1.vmdk", taniwha.FormatVmdk},
		{"/var/lib/libvirt/images/vm-1.vdi", taniwha.FormatVdi},
		{"/var/lib/libvirt/images/vm-1.raw", taniwha.FormatRaw},
		{"/var/lib/libvirt/images/vm-1.img", taniwha.FormatRaw},
		{"/var/lib/libvirt/images/vm-1", taniwha.FormatRaw},
		{"/var/lib/libvirt/images/VM-1.QCOW2", taniwha.FormatQcow2},
	}

	for _, test := range tests {
		s.Equal(test.expected, taniwha.DetectDiskFormat(test.path), test.path)
	}
}

func (s *BlockTransferTestSuite) TestPrepare() {
	s.Runner.Handle("qemu-img info", `{"format":"qcow2","virtual-size":10737418240}`, nil)

	disks, err := s.Engine.Prepare(context.Background(), "hv-01", "hv-02",
		[]taniwha.BlockDevice{{Path: "/var/lib/libvirt/images/vm-1.qcow2"}})
	s.Require().NoError(err)
	s.Require().Len(disks, 1)
	s.Equal(taniwha.FormatQcow2, disks[0].Format)
	s.EqualValues(10737418240, disks[0].SizeBytes)

	s.Equal(1, s.Runner.CallsMatching("test -f"))
	s.Equal(1, s.Runner.CallsMatching("mkdir -p /var/lib/libvirt/images"))
}

func (s *BlockTransferTestSuite) TestPrepareMissingSource() {
	s.Runner.Handle("test -f", "", errors.New("exit status 1"))

	_, err := s.Engine.Prepare(context.Background(), "hv-01", "hv-02",
		[]taniwha.BlockDevice{{Path: "/var/lib/libvirt/images/vm-1.qcow2"}})
	s.Error(err)
}

func (s *BlockTransferTestSuite) TestPrepareFormatFallback() {
	s.Runner.Handle("qemu-img info", "", errors.New("exit status 1"))

	disks, err := s.Engine.Prepare(context.Background(), "hv-01", "hv-02",
		[]taniwha.BlockDevice{{Path: "/var/lib/libvirt/images/vm-1.vmdk"}})
	s.Require().NoError(err)
	s.Equal(taniwha.FormatVmdk, disks[0].Format, "probe failure falls back to the extension")
}

func (s *BlockTransferTestSuite) TestPhases() {
	disks := []taniwha.BlockDevice{
		{Path: "/var/lib/libvirt/images/vm-1.qcow2", Format: taniwha.FormatQcow2},
		{Path: "/var/lib/libvirt/images/vm-1-data.raw", Format: taniwha.FormatRaw},
	}

	var phases []taniwha.TransferPhase
	progress := func(phase taniwha.TransferPhase, disk string, done, total int) {
		s.Equal(2, total)
		phases = append(phases, phase)
	}

	s.Require().NoError(s.Engine.InitialCopy(context.Background(), "hv-01", "hv-02", disks, progress))
	s.Equal(2, s.Runner.CallsMatching("qemu-img convert -p"))
	s.Equal(1, s.Runner.CallsMatching("-O qcow2"))
	s.Equal(1, s.Runner.CallsMatching("-O raw"))
	s.Equal(2, s.Runner.CallsMatching("ssh://hv-02/var/lib/libvirt/images"))
	s.Equal(2, s.Runner.CallsMatching(".partial"))

	s.Require().NoError(s.Engine.DirtySync(context.Background(), "hv-01", "hv-02", disks, 0, progress))
	s.Equal(2, s.Runner.CallsMatching("rsync -az --inplace --sparse"))
	s.Equal(0, s.Runner.CallsMatching("--whole-file"))

	s.Require().NoError(s.Engine.FinalSync(context.Background(), "hv-01", "hv-02", disks, 2<<20, progress))
	s.Equal(2, s.Runner.CallsMatching("--whole-file"))
	s.Equal(2, s.Runner.CallsMatching("--bwlimit=2048"))

	s.Require().NoError(s.Engine.Commit(context.Background(), "hv-02", disks))
	s.Equal(1, s.Runner.CallsMatching("mv /var/lib/libvirt/images/vm-1.qcow2.partial /var/lib/libvirt/images/vm-1.qcow2"))

	s.Equal([]taniwha.TransferPhase{
		taniwha.PhaseInitialCopy, taniwha.PhaseInitialCopy,
		taniwha.PhaseDirtySync, taniwha.PhaseDirtySync,
		taniwha.PhaseFinalSync, taniwha.PhaseFinalSync,
	}, phases)
}

func (s *BlockTransferTestSuite) TestBandwidthFloor() {
	disks := []taniwha.BlockDevice{
		{Path: "/var/lib/libvirt/images/vm-1.qcow2", Format: taniwha.FormatQcow2},
	}

	// sub-KiB limits round up; rsync reads --bwlimit=0 as unlimited
	s.Require().NoError(s.Engine.DirtySync(context.Background(), "hv-01", "hv-02", disks, 512, nil))
	s.Equal(1, s.Runner.CallsMatching("--bwlimit=1 "))
	s.Equal(0, s.Runner.CallsMatching("--bwlimit=0"))
}

func (s *BlockTransferTestSuite) TestCommitFailureAborts() {
	s.Runner.Handle("mv ", "", errors.New("exit status 1"))

	disks := []taniwha.BlockDevice{
		{Path: "/var/lib/libvirt/images/vm-1.qcow2", Format: taniwha.FormatQcow2},
		{Path: "/var/lib/libvirt/images/vm-1-data.raw", Format: taniwha.FormatRaw},
	}

	s.Error(s.Engine.Commit(context.Background(), "hv-02", disks))
	s.Equal(1, s.Runner.CallsMatching("mv "), "commit stops at the first failed rename")
}

func (s *BlockTransferTestSuite) TestDiscard() {
	s.Runner.Handle("rm -f", "", errors.New("exit status 1"))

	disks := []taniwha.BlockDevice{
		{Path: "/var/lib/libvirt/images/vm-1.qcow2"},
		{Path: "/var/lib/libvirt/images/vm-1-data.raw"},
	}

	s.Engine.Discard(context.Background(), "hv-02", disks)
	s.Equal(2, s.Runner.CallsMatching("rm -f"), "discard ignores failures")
}
