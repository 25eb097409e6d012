// Command cvmctl provisions and runs TDX confidential VMs.
//
//	cvmctl new <compose-file> [--dir] [--image] [--vcpus] [--memory] [--disk] [--gpu]... [--port]... [--lkp] [--pin-numa] [--hugepages]
//	cvmctl run <dir> [--imgdir] [--kp-port] [--dry-run]
//	cvmctl serve <dir> [--kp-port]
//	cvmctl lsgpu
//	cvmctl tag-vfio
//
// Client configuration is read from /etc/cvmctl/client.conf,
// ~/.config/cvmctl/client.conf and every .cvmctl/client.conf from / down to
// the working directory. New instances go under $RUN_PATH (default ./vms).
package main
