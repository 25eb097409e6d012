// Package provisioner creates new instance directories from a compose file
// and a resource request.
//
// Setup validates every input (sizes, port mappings, GPU spec, image) before
// touching the filesystem. The instance directory is then created with a
// single mkdir, which makes an existing directory a conflict rather than an
// overwrite, and populated with the app-compose record, the optional docker
// registry entry and the manifest.
package provisioner
