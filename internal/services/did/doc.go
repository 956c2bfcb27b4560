// Package did implements backend.AvatarRenderer against the D-ID talks API.
//
// A render uploads the synthesized audio (and the persona portrait when the
// avatar id is not already a hosted image), creates a talk, polls it until
// D-ID reports done, and downloads the result. The downloaded clip is probed
// so duration and alpha come from the file rather than from the API.
package did
