// Command kernel is the boot entry point: it loads a board descriptor,
// wires every core component and the ambient/domain stack around it,
// runs the boot sequence, then drops into the scheduler's idle loop.
package main

import (
	"flag"

	"github.com/copland-os/copland/internal/kernel"
)

func main() {
	boardPath := flag.String("board", "boards/virt.yaml", "board descriptor YAML path")
	diskImage := flag.String("disk-image", "", "host file backing the virtio-blk device (default: in-memory)")
	memImage := flag.String("mem-image", "", "host file backing the whole physical arena (default: in-memory)")
	flag.Parse()

	var opts []kernel.Option
	if *diskImage != "" {
		opts = append(opts, kernel.WithDiskImage(*diskImage))
	}
	if *memImage != "" {
		opts = append(opts, kernel.WithMemoryImage(*memImage))
	}

	k := kernel.Instance(*boardPath, opts...)
	defer k.Close()
	k.Boot()
	k.Idle()
}
