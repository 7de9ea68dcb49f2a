// Package cache remembers which sealed firmware version each device last received.
//
// Sealed images carry a version number. Before flashing a sealed image, clients consult a
// [VersionCache] and refuse to install a version older than the one previously installed on the
// same device, which prevents an attacker who captured an old, vulnerable image from convincing
// an operator to downgrade a device.
//
// The cache lives on the host, so it only protects devices that are always updated from the same
// host. If a VersionCache is exported using its [VersionCache.Export] or
// [VersionCache.ExportToFile] methods, access controls should be used to prevent third parties
// from tampering with the data.
package cache
