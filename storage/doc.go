// Package storage manages the on-disk state of a VM instance and reads guest
// image directories.
//
// An instance directory looks like:
//
//	<dir>/
//	    vm-manifest.json     immutable InstanceManifest
//	    hda.img              writable qcow2 data disk, created on first launch
//	    shared/              mounted into the guest as "host-shared"
//	        app-compose.json
//	        config.json
//	        .sys-config.json
//	        .instance_info   written by the guest through the host API
//	        certs/
//
// All file replacements are atomic (temporary file plus rename). The guest
// config files are merge-updated: a write only overlays the keys it supplies.
package storage
