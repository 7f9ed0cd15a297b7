// Package processor provides the message-processing callbacks behind the
// gateway. A Processor receives one inbound message and pushes any number of
// relay.Reply values into a sink; it does not know whether the caller is
// buffering them or streaming them.
//
// Two implementations ship with the gateway:
//
//   - Echo sends the message text back.
//   - Scripted matches the message against ordered rules and replies from a
//     script, optionally pausing between replies.
package processor
