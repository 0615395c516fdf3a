// Package provision starts and stops the backend replica instances that sit
// behind the ring. A Handle describes a running replica; how it is hosted
// (a child process or an externally managed address) is up to the Provisioner.
package provision
