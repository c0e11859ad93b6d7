package taniwha

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// DiskFormat is an on-disk image format.
type DiskFormat string

// Disk formats
const (
	FormatRaw   = DiskFormat("raw")
	FormatQcow2 = DiskFormat("qcow2")
	FormatVmdk  = DiskFormat("vmdk")
	FormatVdi   = DiskFormat("vdi")
)

// TransferPhase is the stage a disk transfer is in.
type TransferPhase string

// Transfer phases
const (
	PhaseInitialCopy = TransferPhase("initial-copy")
	PhaseDirtySync   = TransferPhase("dirty-sync")
	PhaseFinalSync   = TransferPhase("final-sync")
)

type (
	// BlockDevice is a guest disk image.
	BlockDevice struct {
		Path      string     `json:"path"`
		Format    DiskFormat `json:"format,omitempty"`
		SizeBytes uint64     `json:"size_bytes,omitempty"`
	}

	// TransferProgress is a point in time view of the disk transfer.
	TransferProgress struct {
		Phase       TransferPhase `json:"phase"`
		Disk        string        `json:"disk,omitempty"`
		DisksDone   int           `json:"disks_done"`
		DisksTotal  int           `json:"disks_total"`
		CopiedBytes uint64        `json:"copied_bytes"`
		TotalBytes  uint64        `json:"total_bytes"`
	}

	// ProgressFunc receives a notification as each disk finishes a
	// phase.
	ProgressFunc func(phase TransferPhase, disk string, done, total int)

	// BlockTransferEngine moves disk images between nodes. Transfers
	// land in partial files on the target; nothing is visible at the
	// real paths until Commit renames everything at once.
	BlockTransferEngine struct {
		Runner NodeRunner
	}

	// qemu-img info --output=json
	imageInfo struct {
		Format      string `json:"format"`
		VirtualSize uint64 `json:"virtual-size"`
	}
)

// DetectDiskFormat guesses the image format from the file extension.
// Unknown extensions are treated as raw.
func DetectDiskFormat(path string) DiskFormat {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "qcow2":
		return FormatQcow2
	case "vmdk":
		return FormatVmdk
	case "vdi":
		return FormatVdi
	default:
		return FormatRaw
	}
}

func partialPath(path string) string {
	return path + ".partial"
}

// Prepare verifies the source images exist, probes format and size for
// disks that do not declare them, and creates the target directories.
func (e *BlockTransferEngine) Prepare(ctx context.Context, source, target string, disks []BlockDevice) ([]BlockDevice, error) {
	prepared := make([]BlockDevice, len(disks))

	for i, d := range disks {
		if _, err := e.Runner.Run(ctx, source, "test", "-f", d.Path); err != nil {
			return nil, fmt.Errorf("source disk %s: %w", d.Path, err)
		}

		if d.Format == "" || d.SizeBytes == 0 {
			out, err := e.Runner.Run(ctx, source, "qemu-img", "info", "--output=json", d.Path)
			if err == nil {
				var info imageInfo
				if jerr := json.Unmarshal(out, &info); jerr == nil {
					if d.Format == "" && info.Format != "" {
						d.Format = DiskFormat(info.Format)
					}
					if d.SizeBytes == 0 {
						d.SizeBytes = info.VirtualSize
					}
				}
			}
			if d.Format == "" {
				d.Format = DetectDiskFormat(d.Path)
			}
		}

		if dir := filepath.Dir(d.Path); dir != "" && dir != "." {
			if _, err := e.Runner.Run(ctx, target, "mkdir", "-p", dir); err != nil {
				return nil, fmt.Errorf("target dir %s: %w", dir, err)
			}
		}

		prepared[i] = d
	}

	return prepared, nil
}

// InitialCopy bulk-copies each disk to its partial path on the target.
// The guest may keep writing; DirtySync and FinalSync pick up the
// changes.
func (e *BlockTransferEngine) InitialCopy(ctx context.Context, source, target string, disks []BlockDevice, progress ProgressFunc) error {
	for i, d := range disks {
		_, err := e.Runner.Run(ctx, source, "qemu-img", "convert", "-p",
			"-O", string(d.Format),
			d.Path,
			fmt.Sprintf("ssh://%s%s", target, partialPath(d.Path)))
		if err != nil {
			return fmt.Errorf("initial copy of %s: %w", d.Path, err)
		}

		if progress != nil {
			progress(PhaseInitialCopy, d.Path, i+1, len(disks))
		}
	}

	return nil
}

// DirtySync re-syncs blocks that changed since the last pass using
// delta transfer. bwLimit is bytes per second, 0 for unlimited.
func (e *BlockTransferEngine) DirtySync(ctx context.Context, source, target string, disks []BlockDevice, bwLimit uint64, progress ProgressFunc) error {
	return e.rsync(ctx, source, target, disks, bwLimit, PhaseDirtySync, progress)
}

// FinalSync runs the last sync pass. Delta transfer is disabled so the
// pass is bounded by image size, not by checksum time.
func (e *BlockTransferEngine) FinalSync(ctx context.Context, source, target string, disks []BlockDevice, bwLimit uint64, progress ProgressFunc) error {
	return e.rsync(ctx, source, target, disks, bwLimit, PhaseFinalSync, progress)
}

func (e *BlockTransferEngine) rsync(ctx context.Context, source, target string, disks []BlockDevice, bwLimit uint64, phase TransferPhase, progress ProgressFunc) error {
	args := []string{"-az", "--inplace", "--sparse"}
	if phase == PhaseFinalSync {
		args = append(args, "--whole-file")
	}
	if bwLimit > 0 {
		// rsync takes KiB/s and treats 0 as unlimited, so limits under
		// 1 KiB/s round up rather than off
		kib := bwLimit / 1024
		if kib == 0 {
			kib = 1
		}
		args = append(args, fmt.Sprintf("--bwlimit=%d", kib))
	}

	for i, d := range disks {
		runArgs := append(append([]string(nil), args...),
			d.Path,
			fmt.Sprintf("%s:%s", target, partialPath(d.Path)))

		if _, err := e.Runner.Run(ctx, source, "rsync", runArgs...); err != nil {
			return fmt.Errorf("%s of %s: %w", phase, d.Path, err)
		}

		if progress != nil {
			progress(phase, d.Path, i+1, len(disks))
		}
	}

	return nil
}

// Commit renames all partial files into place on the target. A failed
// rename aborts the commit; rollback cleans up whatever landed.
func (e *BlockTransferEngine) Commit(ctx context.Context, target string, disks []BlockDevice) error {
	for _, d := range disks {
		if _, err := e.Runner.Run(ctx, target, "mv", partialPath(d.Path), d.Path); err != nil {
			return fmt.Errorf("commit of %s: %w", d.Path, err)
		}
	}

	return nil
}

// Discard removes partial files from the target. Errors are ignored;
// the files may never have been created.
func (e *BlockTransferEngine) Discard(ctx context.Context, target string, disks []BlockDevice) {
	for _, d := range disks {
		_, _ = e.Runner.Run(ctx, target, "rm", "-f", partialPath(d.Path))
	}
}
