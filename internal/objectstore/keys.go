package objectstore

import "fmt"

// InputKey is the storage key for a service's declared input
// resource: "{service_id}/inputs/{resource_name}".
func InputKey(serviceID, resourceName string) string {
	return fmt.Sprintf("%s/inputs/%s", serviceID, resourceName)
}

// OutputKey is the storage key for one workflow's produced output
// file: "{service_id}/outputs/{workflow_id}/{file_name}".
func OutputKey(serviceID, workflowID, fileName string) string {
	return fmt.Sprintf("%s/outputs/%s/%s", serviceID, workflowID, fileName)
}

// OutputPrefix is the destination key prefix handed to the side-car in
// WorkflowStoreInfo, under which it uploads every declared output file.
func OutputPrefix(serviceID, workflowID string) string {
	return fmt.Sprintf("%s/outputs/%s", serviceID, workflowID)
}
