// Package channeltest provides in-process channel servers speaking the
// development and production wire protocols. They back the tests of this
// module and the channelctl demo mode.
package channeltest
