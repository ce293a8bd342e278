// Package state keeps per-conversation input state for the bot.
//
// All state is scoped by chat and, in forum groups, by topic thread, so the
// same user can run different flows in different threads of one chat
// without cross-talk. Stores are in-memory and disposable: expired or
// missing state means the user restarts the flow from the menu.
//
// Four stores are provided: StateMap (one value per scope), FlowStates
// (per-scope entries keyed by policy number), AdminStates (one admin
// operation per user and chat) and FlowContexts (several named sub-flows per
// chat). CleanupService sweeps all of them on an interval and Coordinator
// clears a scope across stores.
package state
