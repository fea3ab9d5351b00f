/*
Package api holds the wire types and server configuration shared by the
recovery service and its clients.

The HTTP surface itself lives in the recoveryhandler subpackage:

  - GET  /report, /network/joinpolicy, /network/securitypolicy
  - GET  /members, /members/{memberName}, /members/{memberName}/report
  - POST /members/generate and the three message generators
  - POST /network/joinpolicy/set

Every POST body is a recovery.SignedDataRequest. Errors are returned as
ErrorResponse with a status code derived from the error kind.
*/
package api
