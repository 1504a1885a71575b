/*
Package policy decides what to do when a branch's session disconnects.

The decision function is pure: given a disconnect reason, the current
attempt counter and the branch's attempt budget, it returns retry,
invalidate-and-retry or give-up together with a backoff delay. Timers and
credential deletion are executed by whichever component owns the session
(the fleet supervisor in normal operation), which keeps the retry policy
testable without I/O and swappable without touching the session code.
*/
package policy
