// Package publish turns a content item into live copies.
//
// Every post and broadcast is first rendered once into a private archive
// chat (the backup mirror). Destination copies are produced by copying that
// message, and later edits are applied to the backup and then to every live
// copy. Content kinds plug in through the Kind capability interface.
package publish
