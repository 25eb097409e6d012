// Package config loads the layered client configuration of cvmctl.
//
// Configuration is read from TOML files, lowest precedence first:
//
//	/etc/cvmctl/client.conf
//	~/.config/cvmctl/client.conf
//	/.cvmctl/client.conf ... <cwd>/.cvmctl/client.conf
//
// Each file decodes to a map; maps are folded with Merge so later layers win
// key by key, recursively for nested tables. Recognized keys:
//
//	[docker]
//	registry = "registry.example.com"
//
//	[image]
//	default = "dstack-nvidia-0.3.0"
//
//	[qemu]
//	path = "/usr/bin/qemu-system-x86_64"
//	img_path = "/usr/bin/qemu-img"
package config
