// Package group manages sender keys: the per-(group, sending device)
// broadcast chains used for efficient one-to-many encryption in group
// messaging. It creates and distributes the local sender key, validates it
// with a trial self-encrypt before real use, rotates it by age and message
// count, and tracks the sender keys received from other members.
package group
