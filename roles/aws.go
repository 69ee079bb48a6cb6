package roles

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/fortressi/castle"
	"github.com/fortressi/castle/uplink"
)

// instanceWait bounds how long awsInit and awsDestroy wait for EC2.
const instanceWait = 10 * time.Minute

// EC2API is the subset of the EC2 client the aws role uses.
type EC2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// EC2ClientFactory returns an EC2 client for region.
type EC2ClientFactory func(ctx context.Context, region string) (EC2API, error)

// DefaultEC2Client builds a client from the default AWS credential chain.
func DefaultEC2Client(ctx context.Context, region string) (EC2API, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return ec2.NewFromConfig(cfg), nil
}

// AWS allocates the node as an EC2 instance. InstanceID and PublicDNS are
// recorded as a node role patch once the instance is running, so a later run
// reuses the instance.
type AWS struct {
	Region           string   `json:"region"`
	ImageID          string   `json:"imageId"`
	InstanceType     string   `json:"instanceType"`
	KeyName          string   `json:"keyName,omitempty"`
	SecurityGroupIDs []string `json:"securityGroupIds,omitempty"`
	SubnetID         string   `json:"subnetId,omitempty"`
	SSHUser          string   `json:"sshUser,omitempty"`
	SSHIdentityFile  string   `json:"sshIdentityFile,omitempty"`
	InstanceID       string   `json:"instanceId,omitempty"`
	PublicDNS        string   `json:"publicDns,omitempty"`

	clients EC2ClientFactory
}

// instancePatch is the node role patch awsInit records and awsDestroy
// clears.
type instancePatch struct {
	InstanceID *string `json:"instanceId"`
	PublicDNS  *string `json:"publicDns"`
}

func decodeAWS(raw json.RawMessage, clients EC2ClientFactory) (castle.Role, error) {
	r := AWS{SSHUser: "ubuntu", clients: clients}
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	if r.Region == "" {
		return nil, castle.NewValidationError("aws role has no region")
	}
	return &r, nil
}

// InitNode reaches the node over ssh at its instance address.
func (r *AWS) InitNode(node *castle.Node) error {
	if r.PublicDNS != "" {
		node.SetHostname(r.PublicDNS)
	}
	node.SetUplink(&uplink.SSH{
		User:         r.SSHUser,
		IdentityFile: r.SSHIdentityFile,
		Host:         node.AssignedHostname,
		Output:       node.Output(),
	})
	return nil
}

func (r *AWS) Actions(roleName string, _ *castle.Cluster) []castle.Action {
	onRole := castle.OnRole(roleName)
	return []castle.Action{
		castle.NewActionFunc(castle.NewActionID(ActionAWSInit, roleName), onRole,
			func(ctx context.Context, cluster *castle.Cluster, node *castle.Node) error {
				role, err := nodeRole[*AWS](cluster, node, roleName)
				if err != nil {
					return err
				}
				return role.allocate(ctx, cluster, node, roleName)
			},
			castle.WithPhases(castle.PhaseInit),
		),
		castle.NewActionFunc(castle.NewActionID(ActionAWSDestroy, roleName), onRole,
			func(ctx context.Context, cluster *castle.Cluster, node *castle.Node) error {
				role, err := nodeRole[*AWS](cluster, node, roleName)
				if err != nil {
					return err
				}
				return role.destroy(ctx, cluster, node, roleName)
			},
			castle.WithPhases(castle.PhaseDestroy),
			castle.WithDependencies(
				castle.AfterOnNode(castle.AllOf(ActionDaemonStop)),
				castle.AfterOnNode(castle.AllOf(ActionSaveLogs)),
			),
		),
	}
}

func (r *AWS) allocate(ctx context.Context, cluster *castle.Cluster, node *castle.Node, roleName string) error {
	log := node.Logger()
	if r.InstanceID != "" {
		log.Info("instance already allocated", "node", node.Name(), "instance", r.InstanceID)
		node.SetHostname(r.PublicDNS)
		return nil
	}
	client, err := r.clients(ctx, r.Region)
	if err != nil {
		return err
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(r.ImageID),
		InstanceType: ec2types.InstanceType(r.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []ec2types.TagSpecification{
			{
				ResourceType: ec2types.ResourceTypeInstance,
				Tags: []ec2types.Tag{
					{Key: aws.String("Name"), Value: aws.String(node.Name())},
					{Key: aws.String("CreatedBy"), Value: aws.String("castle")},
				},
			},
		},
	}
	if r.KeyName != "" {
		input.KeyName = aws.String(r.KeyName)
	}
	if r.SubnetID != "" {
		input.SubnetId = aws.String(r.SubnetID)
	}
	if len(r.SecurityGroupIDs) > 0 {
		input.SecurityGroupIds = r.SecurityGroupIDs
	}

	result, err := client.RunInstances(ctx, input)
	if err != nil {
		return fmt.Errorf("run instance for %s: %w", node.Name(), err)
	}
	if len(result.Instances) == 0 {
		return fmt.Errorf("no instances were created for %s", node.Name())
	}
	instanceID := aws.ToString(result.Instances[0].InstanceId)
	log.Info("waiting for instance", "node", node.Name(), "instance", instanceID)

	describe := &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}}
	if err := ec2.NewInstanceRunningWaiter(client).Wait(ctx, describe, instanceWait); err != nil {
		return fmt.Errorf("instance %s did not reach running state: %w", instanceID, err)
	}
	out, err := client.DescribeInstances(ctx, describe)
	if err != nil {
		return fmt.Errorf("failed to describe instance %s: %w", instanceID, err)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return fmt.Errorf("instance %s not found after creation", instanceID)
	}
	dns := aws.ToString(out.Reservations[0].Instances[0].PublicDnsName)

	node.SetHostname(dns)
	log.Info("instance running", "node", node.Name(), "instance", instanceID, "dns", dns)
	return cluster.PatchNodeRole(node, roleName, instancePatch{InstanceID: &instanceID, PublicDNS: &dns})
}

func (r *AWS) destroy(ctx context.Context, cluster *castle.Cluster, node *castle.Node, roleName string) error {
	log := node.Logger()
	if r.InstanceID == "" {
		log.Info("no instance to destroy", "node", node.Name())
		return nil
	}
	client, err := r.clients(ctx, r.Region)
	if err != nil {
		return err
	}
	if _, err := client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{r.InstanceID},
	}); err != nil {
		return fmt.Errorf("terminate instance %s: %w", r.InstanceID, err)
	}
	log.Info("initiated termination", "node", node.Name(), "instance", r.InstanceID)

	err = ec2.NewInstanceTerminatedWaiter(client).Wait(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{r.InstanceID},
	}, instanceWait)
	if err != nil {
		// Termination was initiated; the instance is going away regardless.
		log.Warn("failed to wait for instance termination", "instance", r.InstanceID, "error", err)
	}

	node.SetHostname("")
	return cluster.PatchNodeRole(node, roleName, instancePatch{})
}
