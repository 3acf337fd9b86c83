// ABOUTME: Build and product identification strings
// ABOUTME: Reported in peer/hello and shown by the status UI
package version

// Version is overridden at link time with -ldflags "-X".
var Version = "0.3.0"

const (
	Product      = "TWS Sync Earbud"
	Manufacturer = "Sendspin"
)
