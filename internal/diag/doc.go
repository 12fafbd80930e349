// Package diag holds the fire-and-forget event sinks the radio controller
// and thermal monitor report to.
//
// A Recorder must never block its caller for long and never fails: sinks
// that talk to disks or networks swallow their own errors. Sinks are
// combined with Multi and labelled per component with Tagged.
package diag
