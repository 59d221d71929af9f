package wrshare

// BuildVersion is the version reported by /version and the version command. It is
// overridden at link time with -ldflags "-X github.com/sammck-go/wsrelay/share.BuildVersion=..."
var BuildVersion = "0.0.0-src"
