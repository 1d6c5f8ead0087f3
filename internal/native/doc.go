// Package native implements process.Process for the current Windows amd64
// process: code is patched in place, pools come from VirtualAlloc and the
// other threads of the process are suspended while a batch is applied.
package native
